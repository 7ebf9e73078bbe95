package render

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/surfscan/surfscan/internal/logger"
	"github.com/surfscan/surfscan/internal/models"
	"github.com/surfscan/surfscan/internal/queue"
	"github.com/surfscan/surfscan/internal/repository"
	"github.com/surfscan/surfscan/internal/storage"
	"github.com/surfscan/surfscan/internal/targetcheck"
)

const maxCrawlPages = 100

var sourceMappingURLRe = regexp.MustCompile(`//[#@]\s*sourceMappingURL=(\S+)`)

// Worker renders scan targets in a headless browser and hands the captured
// artifacts to the analysis queue.
type Worker struct {
	scans         *repository.ScanRepository
	store         storage.ArtifactStore
	scanQueue     *queue.Queue
	analysisQueue *queue.Queue
	browser       *Browser
	fetcher       *ScriptFetcher
	checker       *targetcheck.Checker
	progress      *queue.ProgressBus
	log           *logger.Logger

	maxExternalScripts int
}

// Config wires the worker's collaborators.
type Config struct {
	Scans              *repository.ScanRepository
	Store              storage.ArtifactStore
	ScanQueue          *queue.Queue
	AnalysisQueue      *queue.Queue
	Browser            *Browser
	Fetcher            *ScriptFetcher
	Checker            *targetcheck.Checker
	Progress           *queue.ProgressBus
	Log                *logger.Logger
	MaxExternalScripts int
}

func NewWorker(cfg Config) *Worker {
	if cfg.MaxExternalScripts <= 0 {
		cfg.MaxExternalScripts = 30
	}
	return &Worker{
		scans:              cfg.Scans,
		store:              cfg.Store,
		scanQueue:          cfg.ScanQueue,
		analysisQueue:      cfg.AnalysisQueue,
		browser:            cfg.Browser,
		fetcher:            cfg.Fetcher,
		checker:            cfg.Checker,
		progress:           cfg.Progress,
		log:                cfg.Log,
		maxExternalScripts: cfg.MaxExternalScripts,
	}
}

// Handle processes one scan-queue job.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) (interface{}, error) {
	var task models.ScanTask
	if err := json.Unmarshal(job.Payload, &task); err != nil {
		return nil, fmt.Errorf("invalid scan task payload: %w", err)
	}
	log := w.log.WithScan(task.ScanID.String())

	if err := w.scans.MarkRunning(ctx, task.ScanID); err != nil {
		return nil, fmt.Errorf("failed to mark scan running: %w", err)
	}
	w.report(ctx, task.ScanID, 10)

	if err := w.checker.Validate(ctx, task.URL); err != nil {
		return w.fail(ctx, task.ScanID, err.Error())
	}

	pages, err := w.renderTarget(ctx, task)
	if err != nil {
		log.WithError(err).Error("rendering failed")
		return w.fail(ctx, task.ScanID, fmt.Sprintf("Rendering failed: %v", err))
	}
	w.report(ctx, task.ScanID, 40)

	analysis := mergePages(pages)
	artifacts := models.TaskArtifacts{DOMSnapshot: storage.DOMSnapshotKey(task.ScanID.String())}
	if err := w.store.Put(ctx, artifacts.DOMSnapshot, []byte(pages[0].HTML), "text/html"); err != nil {
		return w.fail(ctx, task.ScanID, fmt.Sprintf("Artifact upload failed: %v", err))
	}

	scriptKeys, fetchErrors := w.fetchExternalScripts(ctx, task.ScanID.String(), task.Parameters.UserAgent, analysis)
	artifacts.Scripts = scriptKeys
	w.uploadNetworkTrace(ctx, task.ScanID.String(), analysis.NetworkResources)
	w.recordArtifactPaths(ctx, task.ScanID, artifacts)
	w.report(ctx, task.ScanID, 70)

	analysisTask := models.AnalysisTask{
		ScanID:      task.ScanID,
		Artifacts:   artifacts,
		DOMAnalysis: *analysis,
		FetchErrors: fetchErrors,
	}
	_, err = w.analysisQueue.Enqueue(ctx, task.ScanID.String(), analysisTask, queue.JobOptions{
		MaxAttempts: 3,
		Backoff:     2 * time.Second,
		Timeout:     600 * time.Second,
	})
	if err != nil && err != queue.ErrJobExists {
		return w.fail(ctx, task.ScanID, fmt.Sprintf("Failed to dispatch analysis: %v", err))
	}
	w.report(ctx, task.ScanID, 85)

	wait := 30 * time.Second
	if t := time.Duration(task.Parameters.Timeout) * time.Second; t > wait {
		wait = t
	}
	wait += 120 * time.Second

	analysisJob, err := queue.WaitForCompletion(ctx, w.analysisQueue, task.ScanID.String(), wait)
	if err != nil {
		return w.fail(ctx, task.ScanID, "Analysis job timeout")
	}
	w.report(ctx, task.ScanID, 100)

	result := models.TaskResult{
		ScanID:    task.ScanID,
		Success:   analysisJob.State == queue.StateCompleted,
		Artifacts: artifacts,
	}
	if !result.Success {
		result.Error = analysisJob.Error
	}
	return result, nil
}

// renderTarget renders the start page and, when depth is configured, crawls
// same-origin links breadth-first. On browser context failure the browser is
// recycled once and the page retried.
func (w *Worker) renderTarget(ctx context.Context, task models.ScanTask) ([]*pageCapture, error) {
	start, err := w.renderWithRecycle(ctx, task.URL, task.Parameters)
	if err != nil {
		return nil, err
	}
	pages := []*pageCapture{start}
	if task.Parameters.Depth <= 0 {
		return pages, nil
	}

	origin, err := url.Parse(start.FinalURL)
	if err != nil {
		return pages, nil
	}

	visited := map[string]bool{canonicalURL(start.FinalURL): true, canonicalURL(task.URL): true}
	frontier := start.Links
	depth := 0

	for depth < task.Parameters.Depth && len(pages) < maxCrawlPages && len(frontier) > 0 {
		depth++
		var next []string
		for _, link := range frontier {
			if len(pages) >= maxCrawlPages {
				break
			}
			key := canonicalURL(link)
			if visited[key] {
				continue
			}
			visited[key] = true

			u, err := url.Parse(link)
			if err != nil || !strings.EqualFold(u.Hostname(), origin.Hostname()) {
				continue
			}
			if err := w.checker.Validate(ctx, link); err != nil {
				continue
			}

			page, err := w.renderWithRecycle(ctx, link, task.Parameters)
			if err != nil {
				w.log.WithError(err).Warnf("crawl page failed: %s", link)
				continue
			}
			pages = append(pages, page)
			next = append(next, page.Links...)
		}
		frontier = next
	}
	return pages, nil
}

func (w *Worker) renderWithRecycle(ctx context.Context, rawURL string, params models.ScanParameters) (*pageCapture, error) {
	page, err := w.browser.renderPage(ctx, rawURL, params)
	if err == nil || !IsContextFailure(err) {
		return page, err
	}
	if recErr := w.browser.Recycle(ctx); recErr != nil {
		return nil, fmt.Errorf("browser recycle failed: %w", recErr)
	}
	return w.browser.renderPage(ctx, rawURL, params)
}

// fetchExternalScripts downloads the referenced scripts into object storage,
// bounded by the configured cap. Failed fetches store an empty body and are
// reported in fetchErrors. Discovered source maps land in the analysis input.
// keys[i] always belongs to analysis.ExternalScripts[i]; a failed upload
// leaves an empty key in place so the pairing survives.
func (w *Worker) fetchExternalScripts(ctx context.Context, scanID, userAgent string, analysis *models.DOMAnalysis) ([]string, []string) {
	var keys, fetchErrors []string

	scripts := analysis.ExternalScripts
	if len(scripts) > w.maxExternalScripts {
		scripts = scripts[:w.maxExternalScripts]
	}

	mapIndex := 0
	for i, script := range scripts {
		key := storage.ExternalScriptKey(scanID, i)
		body, err := w.fetcher.Fetch(ctx, script.SourceURL, userAgent)
		if err != nil {
			fetchErrors = append(fetchErrors, fmt.Sprintf("%s: %v", script.SourceURL, err))
			body = nil
		}
		if putErr := w.store.Put(ctx, key, body, "application/javascript"); putErr != nil {
			w.log.WithError(putErr).Warnf("failed to store script %d", i)
			fetchErrors = append(fetchErrors, fmt.Sprintf("%s: artifact upload failed", script.SourceURL))
			keys = append(keys, "")
			continue
		}
		keys = append(keys, key)

		if err == nil {
			if mapURL := resolveSourceMapURL(script.SourceURL, body); mapURL != "" {
				w.collectSourceMap(ctx, scanID, mapURL, userAgent, &mapIndex, analysis)
			}
		}
	}
	return keys, fetchErrors
}

func (w *Worker) collectSourceMap(ctx context.Context, scanID, mapURL, userAgent string, mapIndex *int, analysis *models.DOMAnalysis) {
	if analysis.SourceMaps == nil {
		analysis.SourceMaps = make(map[string]string)
	}
	if _, ok := analysis.SourceMaps[mapURL]; ok {
		return
	}
	body, err := w.fetcher.Fetch(ctx, mapURL, userAgent)
	if err != nil {
		return
	}
	analysis.SourceMaps[mapURL] = string(body)

	key := storage.SourceMapKey(scanID, *mapIndex)
	*mapIndex++
	if err := w.store.Put(ctx, key, body, "application/json"); err != nil {
		w.log.WithError(err).Warnf("failed to store source map %s", mapURL)
	}
}

func (w *Worker) uploadNetworkTrace(ctx context.Context, scanID string, resources []models.NetworkResource) {
	if len(resources) == 0 {
		return
	}
	data, err := json.Marshal(resources)
	if err != nil {
		return
	}
	if err := w.store.Put(ctx, storage.NetworkTraceKey(scanID), data, "application/json"); err != nil {
		w.log.WithError(err).Warn("failed to store network trace")
	}
}

func (w *Worker) recordArtifactPaths(ctx context.Context, scanID uuid.UUID, artifacts models.TaskArtifacts) {
	paths := map[string]string{"domSnapshot": artifacts.DOMSnapshot}
	for i, key := range artifacts.Scripts {
		if key == "" {
			continue
		}
		paths[fmt.Sprintf("script-%d", i)] = key
	}
	if err := w.scans.SetArtifactPaths(ctx, scanID, paths); err != nil {
		w.log.WithError(err).Warn("failed to record artifact paths")
	}
}

func (w *Worker) report(ctx context.Context, scanID uuid.UUID, progress int) {
	if err := w.scanQueue.SetProgress(ctx, scanID.String(), progress); err != nil {
		w.log.WithError(err).Warn("failed to set job progress")
	}
	w.progress.Publish(models.ProgressUpdate{
		ScanID:    scanID,
		Status:    models.ScanStatusRunning,
		Progress:  progress,
		Stage:     models.StageForProgress(progress),
		Timestamp: time.Now(),
	})
}

func (w *Worker) fail(ctx context.Context, scanID uuid.UUID, reason string) (interface{}, error) {
	if err := w.scans.MarkFailed(ctx, scanID, reason); err != nil {
		w.log.WithError(err).Error("failed to mark scan failed")
	}
	return nil, fmt.Errorf("%s", reason)
}

// mergePages folds per-page captures into one DOMAnalysis; headers come from
// the first (top-level) document.
func mergePages(pages []*pageCapture) *models.DOMAnalysis {
	analysis := &models.DOMAnalysis{
		PageURL:         pages[0].FinalURL,
		ResponseHeaders: pages[0].ResponseHeaders,
		PagesVisited:    len(pages),
	}
	seen := make(map[string]bool)
	for _, page := range pages {
		analysis.InlineScripts = append(analysis.InlineScripts, page.InlineScripts...)
		for _, ext := range page.ExternalScripts {
			if seen[ext.SourceURL] {
				continue
			}
			seen[ext.SourceURL] = true
			analysis.ExternalScripts = append(analysis.ExternalScripts, ext)
		}
		analysis.NetworkResources = append(analysis.NetworkResources, page.Network...)
	}
	return analysis
}

// resolveSourceMapURL extracts a sourceMappingURL trailer and resolves it
// against the script URL. Data URIs are ignored.
func resolveSourceMapURL(scriptURL string, body []byte) string {
	tail := body
	if len(tail) > 4096 {
		tail = tail[len(tail)-4096:]
	}
	m := sourceMappingURLRe.FindSubmatch(tail)
	if m == nil {
		return ""
	}
	ref := string(m[1])
	if strings.HasPrefix(ref, "data:") {
		return ""
	}
	base, err := url.Parse(scriptURL)
	if err != nil {
		return ""
	}
	resolved, err := base.Parse(ref)
	if err != nil {
		return ""
	}
	return resolved.String()
}

func canonicalURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	return u.String()
}
