package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/surfscan/surfscan/internal/analyze"
	"github.com/surfscan/surfscan/internal/detector"
	"github.com/surfscan/surfscan/internal/logger"
	"github.com/surfscan/surfscan/internal/queue"
	"github.com/surfscan/surfscan/internal/render"
	"github.com/surfscan/surfscan/internal/repository"
	"github.com/surfscan/surfscan/internal/vulnfeed"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the render and analyze workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorkers()
	},
}

func runWorkers() error {
	infra, err := buildInfra("worker")
	if err != nil {
		return err
	}
	defer infra.close()
	cfg := infra.cfg

	scanRepo := repository.NewScanRepository(infra.deps.DB)
	resultRepo := repository.NewResultRepository(infra.deps.DB)
	vulnCacheRepo := repository.NewVulnCacheRepository(infra.deps.DB)

	signatures, err := detector.LoadSignatures(cfg.SignaturesFile)
	if err != nil {
		return err
	}

	feed := vulnfeed.NewClient(vulnfeed.Options{
		APIURL:      cfg.OSVAPIURL,
		Timeout:     cfg.OSVTimeout,
		CacheTTL:    int(cfg.VulnCacheTTL.Seconds()),
		NegativeTTL: int(cfg.VulnNegativeCacheTTL.Seconds()),
	}, vulnCacheRepo, logger.New("vulnfeed"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	browser, err := render.NewBrowser(ctx, logger.New("browser"))
	if err != nil {
		return err
	}
	defer browser.Close()

	renderWorker := render.NewWorker(render.Config{
		Scans:              scanRepo,
		Store:              infra.deps.Store,
		ScanQueue:          infra.scanQueue,
		AnalysisQueue:      infra.analysisQueue,
		Browser:            browser,
		Fetcher:            render.NewScriptFetcher(infra.deps.Checker, 15*time.Second),
		Checker:            infra.deps.Checker,
		Progress:           infra.progressBus,
		Log:                logger.New("render-worker"),
		MaxExternalScripts: cfg.MaxExternalScripts,
	})
	analyzeWorker := analyze.NewWorker(analyze.Config{
		Scans:    scanRepo,
		Results:  resultRepo,
		Store:    infra.deps.Store,
		Detector: detector.NewDetector(signatures),
		Feed:     feed,
		Progress: infra.progressBus,
		Log:      logger.New("analyze-worker"),
	})

	renderPool := queue.NewWorker(infra.scanQueue, renderWorker.Handle, cfg.RenderConcurrency, logger.New("render-pool"))
	analyzePool := queue.NewWorker(infra.analysisQueue, analyzeWorker.Handle, cfg.AnalyzeConcurrency, logger.New("analyze-pool"))

	renderPool.Start(ctx)
	analyzePool.Start(ctx)
	infra.log.Info("workers started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	infra.log.Infof("received %s, draining workers", sig)

	renderPool.Stop(30 * time.Second)
	analyzePool.Stop(30 * time.Second)
	return nil
}
