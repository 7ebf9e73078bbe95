package render

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surfscan/surfscan/internal/logger"
	"github.com/surfscan/surfscan/internal/models"
	"github.com/surfscan/surfscan/internal/storage"
)

// flakyStore fails Put for selected keys and remembers the rest.
type flakyStore struct {
	mu       sync.Mutex
	failKeys map[string]bool
	objects  map[string][]byte
}

func newFlakyStore(failKeys ...string) *flakyStore {
	s := &flakyStore{failKeys: make(map[string]bool), objects: make(map[string][]byte)}
	for _, k := range failKeys {
		s.failKeys[k] = true
	}
	return s
}

func (s *flakyStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failKeys[key] {
		return errors.New("upload failed")
	}
	s.objects[key] = data
	return nil
}

func (s *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, storage.ErrArtifactNotFound
	}
	return data, nil
}

func (s *flakyStore) DeleteScan(ctx context.Context, scanID string) error { return nil }

func TestResolveSourceMapURLRelative(t *testing.T) {
	body := []byte("var a=1;\n//# sourceMappingURL=app.min.js.map\n")
	got := resolveSourceMapURL("https://cdn.example.net/assets/app.min.js", body)
	assert.Equal(t, "https://cdn.example.net/assets/app.min.js.map", got)
}

func TestResolveSourceMapURLAbsolute(t *testing.T) {
	body := []byte("//# sourceMappingURL=https://maps.example.net/app.js.map")
	got := resolveSourceMapURL("https://cdn.example.net/app.js", body)
	assert.Equal(t, "https://maps.example.net/app.js.map", got)
}

func TestResolveSourceMapURLLegacyMarker(t *testing.T) {
	body := []byte("//@ sourceMappingURL=legacy.map")
	got := resolveSourceMapURL("https://cdn.example.net/old.js", body)
	assert.Equal(t, "https://cdn.example.net/legacy.map", got)
}

func TestResolveSourceMapURLIgnoresDataURI(t *testing.T) {
	body := []byte("//# sourceMappingURL=data:application/json;base64,eyJ2ZXJzaW9uIjozfQ==")
	assert.Empty(t, resolveSourceMapURL("https://cdn.example.net/app.js", body))
}

func TestResolveSourceMapURLAbsentMarker(t *testing.T) {
	assert.Empty(t, resolveSourceMapURL("https://cdn.example.net/app.js", []byte("var a=1;")))
}

func TestResolveSourceMapURLOnlyScansTail(t *testing.T) {
	var body bytes.Buffer
	body.WriteString("//# sourceMappingURL=early.map\n")
	body.Write(bytes.Repeat([]byte("a"), 5000))
	assert.Empty(t, resolveSourceMapURL("https://cdn.example.net/app.js", body.Bytes()))
}

func TestMergePagesDeduplicatesExternalScripts(t *testing.T) {
	shared := models.ExternalScript{SourceURL: "https://cdn.example.net/lib.js", PageURL: "https://example.com/"}
	pages := []*pageCapture{
		{
			FinalURL:        "https://example.com/",
			ResponseHeaders: map[string]string{"content-security-policy": "default-src 'self'"},
			InlineScripts:   []models.InlineScript{{Content: "var a=1;", PageURL: "https://example.com/"}},
			ExternalScripts: []models.ExternalScript{shared},
			Network:         []models.NetworkResource{{URL: "https://example.com/", Type: "Document"}},
		},
		{
			FinalURL:        "https://example.com/about",
			InlineScripts:   []models.InlineScript{{Content: "var b=2;", PageURL: "https://example.com/about"}},
			ExternalScripts: []models.ExternalScript{shared, {SourceURL: "https://example.com/about.js", PageURL: "https://example.com/about"}},
		},
	}

	analysis := mergePages(pages)
	require.NotNil(t, analysis)

	// headers come from the entry page only
	assert.Equal(t, "https://example.com/", analysis.PageURL)
	assert.Contains(t, analysis.ResponseHeaders, "content-security-policy")
	assert.Equal(t, 2, analysis.PagesVisited)

	assert.Len(t, analysis.InlineScripts, 2)
	require.Len(t, analysis.ExternalScripts, 2)
	assert.Equal(t, "https://cdn.example.net/lib.js", analysis.ExternalScripts[0].SourceURL)
	assert.Equal(t, "https://example.com/about.js", analysis.ExternalScripts[1].SourceURL)
}

// a failed upload must not shift later scripts onto earlier URLs, so the key
// list keeps one slot per external script
func TestFetchExternalScriptsKeepsKeyAlignmentOnUploadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("var a=1;"))
	}))
	defer srv.Close()

	scanID := "11111111-2222-3333-4444-555555555555"
	store := newFlakyStore(storage.ExternalScriptKey(scanID, 1))
	w := NewWorker(Config{
		Store:              store,
		Fetcher:            newLoopbackFetcher(),
		Log:                logger.New("render-test"),
		MaxExternalScripts: 10,
	})

	analysis := &models.DOMAnalysis{
		ExternalScripts: []models.ExternalScript{
			{SourceURL: srv.URL + "/first.js"},
			{SourceURL: srv.URL + "/second.js"},
			{SourceURL: srv.URL + "/third.js"},
		},
	}

	keys, fetchErrors := w.fetchExternalScripts(context.Background(), scanID, "", analysis)

	require.Len(t, keys, 3)
	assert.Equal(t, storage.ExternalScriptKey(scanID, 0), keys[0])
	assert.Empty(t, keys[1])
	assert.Equal(t, storage.ExternalScriptKey(scanID, 2), keys[2])

	require.Len(t, fetchErrors, 1)
	assert.Contains(t, fetchErrors[0], "/second.js")
	assert.Contains(t, fetchErrors[0], "artifact upload failed")
}

func TestCanonicalURLStripsFragment(t *testing.T) {
	assert.Equal(t, "https://example.com/page?q=1", canonicalURL("https://example.com/page?q=1#section"))
	assert.Equal(t, "://bad", canonicalURL("://bad"))
}
