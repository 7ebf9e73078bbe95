package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	signatures, err := LoadSignatures("")
	require.NoError(t, err)
	return NewDetector(signatures)
}

func TestLoadSignaturesEmbedded(t *testing.T) {
	signatures, err := LoadSignatures("")
	require.NoError(t, err)
	assert.NotEmpty(t, signatures)

	names := make(map[string]bool)
	for _, s := range signatures {
		names[s.Name] = true
	}
	assert.True(t, names["react"])
	assert.True(t, names["jquery"])
}

func TestDetectFromCDNJSURL(t *testing.T) {
	d := newTestDetector(t)
	dets := d.Detect("https://cdnjs.cloudflare.com/ajax/libs/jquery/3.6.0/jquery.min.js", "", nil)

	require.NotEmpty(t, dets)
	assert.Equal(t, "jquery", dets[0].Name)
	assert.Equal(t, "3.6.0", dets[0].Version)
	assert.Equal(t, 80, dets[0].Confidence)
	assert.Contains(t, dets[0].Methods, MethodURLPattern)
}

func TestDetectFromJSDelivrURL(t *testing.T) {
	d := newTestDetector(t)
	dets := d.Detect("https://cdn.jsdelivr.net/npm/lodash@4.17.21/lodash.min.js", "", nil)

	require.NotEmpty(t, dets)
	assert.Equal(t, "lodash", dets[0].Name)
	assert.Equal(t, "4.17.21", dets[0].Version)
}

func TestDetectFromFilenameWithVersion(t *testing.T) {
	d := newTestDetector(t)
	dets := d.Detect("https://example.com/assets/backbone-1.4.1.min.js", "", nil)

	require.NotEmpty(t, dets)
	assert.Equal(t, "backbone", dets[0].Name)
	assert.Equal(t, "1.4.1", dets[0].Version)
}

func TestDetectFromBareFilenameLowConfidence(t *testing.T) {
	d := newTestDetector(t)
	dets := d.Detect("https://example.com/js/moment.min.js", "", nil)

	require.NotEmpty(t, dets)
	assert.Equal(t, "moment", dets[0].Name)
	assert.Empty(t, dets[0].Version)
	assert.Equal(t, 40, dets[0].Confidence)
}

func TestDetectGenericBundleNameIgnored(t *testing.T) {
	d := newTestDetector(t)
	dets := d.Detect("https://example.com/static/main.min.js", "", nil)
	assert.Empty(t, dets)
}

func TestDetectFromVersionString(t *testing.T) {
	d := newTestDetector(t)
	body := `!function(){...}();jQuery.fn.jquery = "3.5.1";`
	dets := d.Detect("", body, nil)

	require.NotEmpty(t, dets)
	assert.Equal(t, "jquery", dets[0].Name)
	assert.Equal(t, "3.5.1", dets[0].Version)
	assert.Equal(t, 95, dets[0].Confidence)
	assert.Contains(t, dets[0].Methods, MethodVersionString)
}

func TestDetectFromBannerComment(t *testing.T) {
	d := newTestDetector(t)
	body := "/*!\n * Bootstrap v5.3.2 (https://getbootstrap.com/)\n */\nvar x = 1;"
	dets := d.Detect("", body, nil)

	require.NotEmpty(t, dets)
	assert.Equal(t, "bootstrap", dets[0].Name)
	assert.Equal(t, "5.3.2", dets[0].Version)
	assert.Contains(t, dets[0].Methods, MethodComment)
}

func TestDetectFromSymbols(t *testing.T) {
	d := newTestDetector(t)
	body := `var el = React.createElement("div", null, "hi");`
	dets := d.Detect("", body, nil)

	require.NotEmpty(t, dets)
	assert.Equal(t, "react", dets[0].Name)
	assert.Contains(t, dets[0].Methods, MethodSymbolPattern)
}

func TestDetectFromSourceMap(t *testing.T) {
	d := newTestDetector(t)
	sourceMap := []byte(`{"version":3,"sources":[
		"webpack:///node_modules/vue@3.4.21/dist/vue.esm.js",
		"webpack:///node_modules/axios/lib/axios.js",
		"webpack:///src/app.js"
	]}`)
	dets := d.Detect("https://example.com/bundle.js", "", sourceMap)

	byName := make(map[string]Detection)
	for _, det := range dets {
		byName[det.Name] = det
	}
	require.Contains(t, byName, "vue")
	assert.Equal(t, "3.4.21", byName["vue"].Version)
	assert.Equal(t, 85, byName["vue"].Confidence)
	require.Contains(t, byName, "axios")
	assert.Empty(t, byName["axios"].Version)
}

func TestDetectMalformedSourceMapIgnored(t *testing.T) {
	d := newTestDetector(t)
	dets := d.Detect("", "var a;", []byte("{not json"))
	assert.Empty(t, dets)
}

func TestConsolidateMergesByName(t *testing.T) {
	merged := Consolidate([]Detection{
		{Name: "jquery", Confidence: 40, Methods: []string{MethodURLPattern}, Evidence: []string{"url"}},
		{Name: "jquery", Version: "3.5.1", Confidence: 95, Methods: []string{MethodVersionString}, Evidence: []string{"ver"}},
		{Name: "react", Confidence: 75, Methods: []string{MethodSymbolPattern}},
	})

	require.Len(t, merged, 2)
	// ordered by confidence desc
	assert.Equal(t, "jquery", merged[0].Name)
	assert.Equal(t, 95, merged[0].Confidence)
	assert.Equal(t, "3.5.1", merged[0].Version)
	assert.ElementsMatch(t, []string{MethodURLPattern, MethodVersionString}, merged[0].Methods)
	assert.ElementsMatch(t, []string{"url", "ver"}, merged[0].Evidence)
	assert.Equal(t, "react", merged[1].Name)
}

func TestDetectUnionAcrossMethods(t *testing.T) {
	d := newTestDetector(t)
	body := "/*! jQuery v3.5.1 */\n" + `jQuery.fn.jquery = "3.5.1"; jQuery.extend({});`
	dets := d.Detect("https://code.jquery.com/jquery-3.5.1.min.js", body, nil)

	require.NotEmpty(t, dets)
	top := dets[0]
	assert.Equal(t, "jquery", top.Name)
	assert.Equal(t, "3.5.1", top.Version)
	assert.Equal(t, 95, top.Confidence)
	assert.GreaterOrEqual(t, len(top.Methods), 3)
}
