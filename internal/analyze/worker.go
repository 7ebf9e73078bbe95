package analyze

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/surfscan/surfscan/internal/analyzer"
	"github.com/surfscan/surfscan/internal/detector"
	"github.com/surfscan/surfscan/internal/logger"
	"github.com/surfscan/surfscan/internal/models"
	"github.com/surfscan/surfscan/internal/queue"
	"github.com/surfscan/surfscan/internal/repository"
	"github.com/surfscan/surfscan/internal/risk"
	"github.com/surfscan/surfscan/internal/storage"
	"github.com/surfscan/surfscan/internal/vulnfeed"
)

// Worker turns rendered artifacts into persisted scan results: scripts,
// libraries, findings and the risk scores, committed in one transaction.
type Worker struct {
	scans    *repository.ScanRepository
	results  *repository.ResultRepository
	store    storage.ArtifactStore
	detector *detector.Detector
	feed     *vulnfeed.Client
	progress *queue.ProgressBus
	log      *logger.Logger

	// guards against two slots of the same process analyzing one scan
	slotMu sync.Mutex
	slots  map[uuid.UUID]bool
}

// Config wires the worker's collaborators.
type Config struct {
	Scans    *repository.ScanRepository
	Results  *repository.ResultRepository
	Store    storage.ArtifactStore
	Detector *detector.Detector
	Feed     *vulnfeed.Client
	Progress *queue.ProgressBus
	Log      *logger.Logger
}

func NewWorker(cfg Config) *Worker {
	return &Worker{
		scans:    cfg.Scans,
		results:  cfg.Results,
		store:    cfg.Store,
		detector: cfg.Detector,
		feed:     cfg.Feed,
		progress: cfg.Progress,
		log:      cfg.Log,
		slots:    make(map[uuid.UUID]bool),
	}
}

// Handle processes one analysis-queue job.
func (w *Worker) Handle(ctx context.Context, job *queue.Job) (interface{}, error) {
	var task models.AnalysisTask
	if err := json.Unmarshal(job.Payload, &task); err != nil {
		return nil, fmt.Errorf("invalid analysis task payload: %w", err)
	}
	log := w.log.WithScan(task.ScanID.String())

	if !w.acquireSlot(task.ScanID) {
		return nil, fmt.Errorf("scan %s already has an analysis in flight", task.ScanID)
	}
	defer w.releaseSlot(task.ScanID)

	// re-delivery after a successful commit short-circuits to the stored rows
	if done, result := w.alreadyCompleted(ctx, task.ScanID); done {
		log.Info("analysis already committed, returning existing results")
		return result, nil
	}

	if err := w.scans.MarkRunning(ctx, task.ScanID); err != nil {
		log.WithError(err).Warn("failed to mark scan running")
	}

	scripts, libraries, findings, err := w.analyze(ctx, &task)
	if err != nil {
		return w.fail(ctx, task.ScanID, err.Error())
	}

	criticalFindings := 0
	for _, f := range findings {
		if f.Severity == models.SeverityCritical {
			criticalFindings++
		}
	}
	libRisks := make([]int, len(libraries))
	for i, lib := range libraries {
		libRisks[i] = lib.RiskScore
	}
	globalRisk := risk.CalculateGlobalRisk(libRisks, criticalFindings)

	if err := w.results.CommitResults(ctx, task.ScanID, scripts, libraries, findings, globalRisk); err != nil {
		return w.fail(ctx, task.ScanID, fmt.Sprintf("Failed to persist results: %v", err))
	}

	w.publishCompleted(task.ScanID)
	log.Infof("analysis committed: %d scripts, %d libraries, %d findings, risk %d",
		len(scripts), len(libraries), len(findings), globalRisk)

	return models.TaskResult{ScanID: task.ScanID, Success: true, Artifacts: task.Artifacts}, nil
}

// analyze runs the deterministic pipeline over the task's artifacts.
func (w *Worker) analyze(ctx context.Context, task *models.AnalysisTask) ([]*models.Script, []*models.Library, []*models.Finding, error) {
	var (
		scripts    []*models.Script
		findings   []*models.Finding
		detections []detector.Detection
		// script IDs per library name, for relatedScripts
		owners = make(map[string][]string)
	)

	record := func(dets []detector.Detection, scriptID string) {
		for _, det := range dets {
			detections = append(detections, det)
			owners[det.Name] = append(owners[det.Name], scriptID)
		}
	}

	for i, inline := range task.DOMAnalysis.InlineScripts {
		location := fmt.Sprintf("inline script #%d", i+1)
		for _, f := range analyzer.DetectRiskyPatterns(inline.Content, location) {
			f := f
			findings = append(findings, &f)
		}

		dets := w.detector.Detect("", inline.Content, nil)
		script := newScriptRecord(task.ScanID, nil, inline.Content, dets)
		scripts = append(scripts, script)
		record(dets, script.ID.String())
	}

	for i, key := range task.Artifacts.Scripts {
		if i >= len(task.DOMAnalysis.ExternalScripts) {
			break
		}
		ext := task.DOMAnalysis.ExternalScripts[i]

		// an empty key marks a failed upload; the script still gets its row
		// under the right URL, just with no content to analyze
		var body []byte
		if key != "" {
			var err error
			body, err = w.store.Get(ctx, key)
			if err != nil {
				w.log.WithError(err).Warnf("missing script artifact %s", key)
				body = nil
			}
		}
		content := string(body)

		var sourceMap []byte
		if mapURL := sourceMapReference(content); mapURL != "" {
			for storedURL, raw := range task.DOMAnalysis.SourceMaps {
				if strings.HasSuffix(storedURL, mapURL) || storedURL == mapURL {
					sourceMap = []byte(raw)
					break
				}
			}
		}

		dets := w.detector.Detect(ext.SourceURL, content, sourceMap)
		script := newScriptRecord(task.ScanID, &ext.SourceURL, content, dets)
		script.ArtifactPath = key
		scripts = append(scripts, script)
		record(dets, script.ID.String())
	}

	pageURL := task.DOMAnalysis.PageURL
	html, err := w.store.Get(ctx, task.Artifacts.DOMSnapshot)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("missing DOM snapshot artifact: %w", err)
	}
	for _, f := range analyzer.AnalyzeHTML(string(html), pageURL) {
		f := f
		findings = append(findings, &f)
	}
	for _, f := range analyzer.AnalyzeHeaders(task.DOMAnalysis.ResponseHeaders, pageURL) {
		f := f
		findings = append(findings, &f)
	}

	now := time.Now().UTC()
	for _, f := range findings {
		f.ID = uuid.New()
		f.ScanID = task.ScanID
		f.CreatedAt = now
	}

	libraries := w.buildLibraries(ctx, task.ScanID, detector.Consolidate(detections), owners)
	return scripts, libraries, findings, nil
}

// buildLibraries enriches consolidated detections with advisories and scores.
func (w *Worker) buildLibraries(ctx context.Context, scanID uuid.UUID, detections []detector.Detection, owners map[string][]string) []*models.Library {
	libraries := make([]*models.Library, 0, len(detections))
	for _, det := range detections {
		lib := &models.Library{
			ID:              uuid.New(),
			ScanID:          scanID,
			Name:            det.Name,
			RelatedScripts:  dedupe(owners[det.Name]),
			Confidence:      det.Confidence,
			DetectionMethod: strings.Join(det.Methods, ","),
			CreatedAt:       time.Now().UTC(),
		}
		if det.Version != "" {
			v := det.Version
			lib.DetectedVersion = &v
		}

		lib.Vulnerabilities = w.feed.GetVulnerabilities(ctx, det.Name, det.Version)
		lib.RiskScore = risk.CalculateLibraryRisk(lib.Vulnerabilities, lib.Confidence, false)
		libraries = append(libraries, lib)
	}
	return libraries
}

// alreadyCompleted short-circuits re-delivered jobs for committed scans.
func (w *Worker) alreadyCompleted(ctx context.Context, scanID uuid.UUID) (bool, *models.TaskResult) {
	scan, err := w.scans.GetByID(ctx, scanID)
	if err != nil || scan.Status != models.ScanStatusCompleted {
		return false, nil
	}
	_, libraries, findings, err := w.resultCounts(ctx, scanID)
	if err != nil || (libraries == 0 && findings == 0) {
		return false, nil
	}
	return true, &models.TaskResult{ScanID: scanID, Success: true}
}

func (w *Worker) resultCounts(ctx context.Context, scanID uuid.UUID) (int, int, int, error) {
	return w.results.Counts(ctx, scanID)
}

func (w *Worker) acquireSlot(scanID uuid.UUID) bool {
	w.slotMu.Lock()
	defer w.slotMu.Unlock()
	if w.slots[scanID] {
		return false
	}
	w.slots[scanID] = true
	return true
}

func (w *Worker) releaseSlot(scanID uuid.UUID) {
	w.slotMu.Lock()
	defer w.slotMu.Unlock()
	delete(w.slots, scanID)
}

func (w *Worker) fail(ctx context.Context, scanID uuid.UUID, reason string) (interface{}, error) {
	if err := w.scans.MarkFailed(ctx, scanID, reason); err != nil {
		w.log.WithError(err).Error("failed to mark scan failed")
	}
	return nil, fmt.Errorf("%s", reason)
}

func (w *Worker) publishCompleted(scanID uuid.UUID) {
	w.progress.Publish(models.ProgressUpdate{
		ScanID:    scanID,
		Status:    models.ScanStatusCompleted,
		Progress:  100,
		Stage:     models.StageForProgress(100),
		Timestamp: time.Now(),
	})
}

// newScriptRecord fingerprints the content and folds the detections into the
// script row.
func newScriptRecord(scanID uuid.UUID, sourceURL *string, content string, dets []detector.Detection) *models.Script {
	sum := sha256.Sum256([]byte(content))

	script := &models.Script{
		ID:          uuid.New(),
		ScanID:      scanID,
		SourceURL:   sourceURL,
		IsInline:    sourceURL == nil,
		Fingerprint: hex.EncodeToString(sum[:]),
		CreatedAt:   time.Now().UTC(),
	}
	for _, det := range dets {
		script.DetectedPatterns = append(script.DetectedPatterns, det.Name)
		if det.Confidence > script.Confidence {
			script.Confidence = det.Confidence
			if det.Version != "" {
				v := det.Version
				script.EstimatedVersion = &v
			}
		}
	}
	return script
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// sourceMapReference extracts the sourceMappingURL trailer from script text.
func sourceMapReference(content string) string {
	idx := strings.LastIndex(content, "sourceMappingURL=")
	if idx < 0 {
		return ""
	}
	ref := content[idx+len("sourceMappingURL="):]
	if end := strings.IndexAny(ref, " \n\r\t*"); end >= 0 {
		ref = ref[:end]
	}
	if strings.HasPrefix(ref, "data:") {
		return ""
	}
	return strings.TrimSpace(ref)
}
