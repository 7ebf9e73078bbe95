package detector

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed signatures.yaml
var defaultSignatures []byte

// Signature describes how one client-side library announces itself: the
// symbols it defines, the global that carries its version and the banner
// names it uses in header comments.
type Signature struct {
	Name          string   `yaml:"name"`
	Symbols       []string `yaml:"symbols"`
	VersionGlobal string   `yaml:"versionGlobal"`
	BannerNames   []string `yaml:"bannerNames"`
	Confidence    int      `yaml:"confidence"`
}

type signatureFile struct {
	Libraries []Signature `yaml:"libraries"`
}

// LoadSignatures returns the embedded signature set, or the set from path
// when one is configured.
func LoadSignatures(path string) ([]Signature, error) {
	data := defaultSignatures
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read signature file %s: %w", path, err)
		}
		data = b
	}

	var f signatureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse signatures: %w", err)
	}
	if len(f.Libraries) == 0 {
		return nil, fmt.Errorf("signature set is empty")
	}
	return f.Libraries, nil
}
