package detector

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Detection method labels recorded on libraries.
const (
	MethodURLPattern    = "url-pattern"
	MethodComment       = "comment-scan"
	MethodSourceMap     = "source-map"
	MethodSymbolPattern = "symbol-pattern"
	MethodVersionString = "version-string"
)

const (
	// first N lines inspected by the banner comment scan
	commentScanLines = 50
	// untrusted source maps are not parsed past this size
	maxSourceMapBytes = 5 << 20
)

// Detection is one library candidate extracted from a script.
type Detection struct {
	Name       string
	Version    string
	Confidence int
	Methods    []string
	Evidence   []string
}

// Detector matches script URLs and bodies against the library signature set.
type Detector struct {
	signatures []Signature

	symbolRes  map[string][]*regexp.Regexp
	versionRes map[string]*regexp.Regexp
	bannerRes  map[string]*regexp.Regexp
}

var (
	// cdnjs: /ajax/libs/<name>/<version>/...
	cdnjsRe = regexp.MustCompile(`/ajax/libs/([A-Za-z0-9._-]+)/(\d+(?:\.\d+)+)/`)
	// jsdelivr / unpkg: /npm/<name>@<version>/...
	npmPathRe = regexp.MustCompile(`/(?:npm|gh)/([A-Za-z0-9._-]+)@(\d+(?:\.\d+)+)`)
	// generic <name>-<version>.min.js filename
	filenameVersionRe = regexp.MustCompile(`/([A-Za-z][A-Za-z0-9._-]*?)[-.](\d+(?:\.\d+)+)(?:\.min|\.slim)*\.js(?:\?.*)?$`)
	// bare <name>.js filename
	filenameRe = regexp.MustCompile(`/([A-Za-z][A-Za-z0-9._-]*?)(?:\.min|\.slim|\.bundle)*\.js(?:\?.*)?$`)

	commentVersionRe = regexp.MustCompile(`(?i)\bv(?:ersion)?[:\s]*v?(\d+\.\d+(?:\.\d+)?)`)
	atVersionRe      = regexp.MustCompile(`(?i)@version\s+v?(\d+\.\d+(?:\.\d+)?)`)

	mapNodeModulesRe = regexp.MustCompile(`node_modules/((?:@[^/@]+/)?[^/@]+)(?:@(\d+(?:\.\d+)+))?/`)
)

// NewDetector compiles the per-signature regexes once up front.
func NewDetector(signatures []Signature) *Detector {
	d := &Detector{
		signatures: signatures,
		symbolRes:  make(map[string][]*regexp.Regexp),
		versionRes: make(map[string]*regexp.Regexp),
		bannerRes:  make(map[string]*regexp.Regexp),
	}
	for _, sig := range signatures {
		for _, sym := range sig.Symbols {
			d.symbolRes[sig.Name] = append(d.symbolRes[sig.Name],
				regexp.MustCompile(`\b`+regexp.QuoteMeta(sym)))
		}
		if sig.VersionGlobal != "" {
			d.versionRes[sig.Name] = regexp.MustCompile(
				regexp.QuoteMeta(sig.VersionGlobal) + `\s*[:=]\s*['"](\d+(?:\.\d+)+)['"]`)
		}
		if len(sig.BannerNames) > 0 {
			alts := make([]string, len(sig.BannerNames))
			for i, n := range sig.BannerNames {
				alts[i] = regexp.QuoteMeta(n)
			}
			d.bannerRes[sig.Name] = regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`)
		}
	}
	return d
}

// Detect runs every method over the script and consolidates the candidates.
// sourceURL and sourceMap may be empty; inline scripts carry neither.
func (d *Detector) Detect(sourceURL, content string, sourceMap []byte) []Detection {
	var raw []Detection

	if sourceURL != "" {
		raw = append(raw, d.detectFromURL(sourceURL)...)
	}
	raw = append(raw, d.detectFromComments(content)...)
	if len(sourceMap) > 0 {
		raw = append(raw, d.detectFromSourceMap(sourceMap)...)
	}
	raw = append(raw, d.detectFromSymbols(content)...)
	raw = append(raw, d.detectFromVersionStrings(content)...)

	return Consolidate(raw)
}

func (d *Detector) detectFromURL(sourceURL string) []Detection {
	type urlMatch struct {
		re         *regexp.Regexp
		hasVersion bool
	}
	for _, m := range []urlMatch{
		{cdnjsRe, true},
		{npmPathRe, true},
		{filenameVersionRe, true},
		{filenameRe, false},
	} {
		groups := m.re.FindStringSubmatch(sourceURL)
		if groups == nil {
			continue
		}
		name := normalizeName(groups[1])
		if name == "" {
			continue
		}
		det := Detection{
			Name:       name,
			Confidence: 40,
			Methods:    []string{MethodURLPattern},
			Evidence:   []string{sourceURL},
		}
		if m.hasVersion {
			det.Version = groups[2]
			det.Confidence = 80
		}
		return []Detection{det}
	}
	return nil
}

// detectFromComments inspects header banners in the first lines of the body.
func (d *Detector) detectFromComments(content string) []Detection {
	lines := strings.Split(content, "\n")
	if len(lines) > commentScanLines {
		lines = lines[:commentScanLines]
	}

	var out []Detection
	seen := make(map[string]bool)
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "//") && !strings.HasPrefix(trimmed, "/*") &&
			!strings.HasPrefix(trimmed, "*") && !strings.HasPrefix(trimmed, "*/") {
			continue
		}
		for _, sig := range d.signatures {
			if seen[sig.Name] {
				continue
			}
			bannerRe, ok := d.bannerRes[sig.Name]
			if !ok || !bannerRe.MatchString(trimmed) {
				continue
			}
			version := ""
			if m := atVersionRe.FindStringSubmatch(trimmed); m != nil {
				version = m[1]
			} else if m := commentVersionRe.FindStringSubmatch(trimmed); m != nil {
				version = m[1]
			}
			conf := 50
			if version != "" {
				conf = 60
			}
			seen[sig.Name] = true
			out = append(out, Detection{
				Name:       sig.Name,
				Version:    version,
				Confidence: conf,
				Methods:    []string{MethodComment},
				Evidence:   []string{truncate(trimmed, 200)},
			})
		}
	}
	return out
}

func (d *Detector) detectFromSourceMap(raw []byte) []Detection {
	if len(raw) > maxSourceMapBytes {
		return nil
	}
	var sm struct {
		Sources []string `json:"sources"`
	}
	if err := json.Unmarshal(raw, &sm); err != nil {
		return nil
	}

	best := make(map[string]Detection)
	for _, src := range sm.Sources {
		m := mapNodeModulesRe.FindStringSubmatch(src)
		if m == nil {
			continue
		}
		name := normalizeName(m[1])
		if name == "" {
			continue
		}
		det := Detection{
			Name:       name,
			Version:    m[2],
			Confidence: 85,
			Methods:    []string{MethodSourceMap},
			Evidence:   []string{truncate(src, 200)},
		}
		if prev, ok := best[name]; !ok || (prev.Version == "" && det.Version != "") {
			best[name] = det
		}
	}

	out := make([]Detection, 0, len(best))
	for _, det := range best {
		out = append(out, det)
	}
	return out
}

func (d *Detector) detectFromSymbols(content string) []Detection {
	var out []Detection
	for _, sig := range d.signatures {
		for i, re := range d.symbolRes[sig.Name] {
			if !re.MatchString(content) {
				continue
			}
			conf := sig.Confidence
			if conf <= 0 {
				conf = 70
			}
			out = append(out, Detection{
				Name:       sig.Name,
				Confidence: conf,
				Methods:    []string{MethodSymbolPattern},
				Evidence:   []string{sig.Symbols[i]},
			})
			break
		}
	}
	return out
}

func (d *Detector) detectFromVersionStrings(content string) []Detection {
	var out []Detection
	for _, sig := range d.signatures {
		re, ok := d.versionRes[sig.Name]
		if !ok {
			continue
		}
		m := re.FindStringSubmatch(content)
		if m == nil {
			continue
		}
		out = append(out, Detection{
			Name:       sig.Name,
			Version:    m[1],
			Confidence: 95,
			Methods:    []string{MethodVersionString},
			Evidence:   []string{fmt.Sprintf("%s = %q", sig.VersionGlobal, m[1])},
		})
	}
	return out
}

// Consolidate merges detections by library name: the highest confidence wins,
// any non-empty version is preferred, methods and evidence are unioned.
func Consolidate(raw []Detection) []Detection {
	merged := make(map[string]*Detection)
	order := make([]string, 0, len(raw))

	for _, det := range raw {
		cur, ok := merged[det.Name]
		if !ok {
			copied := det
			copied.Methods = append([]string(nil), det.Methods...)
			copied.Evidence = append([]string(nil), det.Evidence...)
			merged[det.Name] = &copied
			order = append(order, det.Name)
			continue
		}
		if det.Confidence > cur.Confidence {
			cur.Confidence = det.Confidence
		}
		if cur.Version == "" && det.Version != "" {
			cur.Version = det.Version
		}
		cur.Methods = appendUnique(cur.Methods, det.Methods...)
		cur.Evidence = appendUnique(cur.Evidence, det.Evidence...)
	}

	out := make([]Detection, 0, len(merged))
	for _, name := range order {
		out = append(out, *merged[name])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out
}

func appendUnique(dst []string, items ...string) []string {
	for _, item := range items {
		found := false
		for _, existing := range dst {
			if existing == item {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, item)
		}
	}
	return dst
}

// normalizeName lowercases and rejects path fragments that are clearly not
// library names.
func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "", "js", "main", "index", "bundle", "app", "vendor", "runtime", "chunk", "polyfills":
		return ""
	}
	return name
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
