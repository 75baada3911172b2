package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	"videoCourse/config"
	"videoCourse/core"
	"videoCourse/processors"
	"videoCourse/server"
	"videoCourse/storage"
	"videoCourse/utils"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if !cfg.HasValidAPI() {
		config.PrintConfigInstructions()
		log.Printf("Warning: model API not configured, using mock client")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	for _, dir := range []string{cfg.UploadDir, cfg.OutputDir, cfg.SlidesDir, cfg.IndexDir} {
		if err := utils.EnsureDir(dir); err != nil {
			log.Fatalf("failed to create dir %s: %v", dir, err)
		}
	}

	ctx := context.Background()

	taskStore, closeStore, err := openTaskStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open task store: %v", err)
	}
	defer closeStore()
	registry := core.NewRegistry(taskStore)

	vectors := storage.InitVectorStore(ctx, cfg)
	defer vectors.Close()
	log.Printf("Vector store initialized: %s", cfg.Store)

	model := processors.NewModelClient(cfg)
	log.Printf("Model client: %s", model.GetProvider())

	media := processors.NewFFmpegTool(utils.ExecRunner{Timeout: cfg.MediaTimeout()})
	indexer := processors.NewIndexer(model, vectors, cfg.EmbeddingDim, cfg.VectorIDScheme)
	pipeline := processors.NewPipeline(processors.PipelineDeps{
		Registry:   registry,
		Sampler:    processors.NewFrameSampler(media, cfg.SampleEvery, cfg.MaxSamples),
		Classifier: processors.NewClassifier(model, cfg.ClassifyConc, cfg.ContentLanguage),
		Renderer:   processors.NewSlideRenderer(cfg.FontPath),
		Narrator:   processors.NewNarrationGenerator(model, media, cfg.ContentLanguage),
		Media:      media,
		Document:   processors.NewDocumentAssembler(cfg.FontPath),
		Study:      processors.NewStudyMaterials(model, cfg.ContentLanguage),
		Indexer:    indexer,
		OutputDir:  cfg.OutputDir,
		SlidesDir:  cfg.SlidesDir,
	})

	var queue core.TaskQueue
	switch cfg.Queue {
	case "asynq":
		queue = core.NewAsynqQueue(cfg.RedisAddr, cfg.Workers, pipeline.Finish)
	default:
		queue = core.NewLocalQueue(cfg.Workers, cfg.QueueSize, pipeline.Finish)
	}
	if err := queue.Start(pipeline.Handle); err != nil {
		log.Fatalf("failed to start %s queue: %v", cfg.Queue, err)
	}
	log.Printf("Task queue started: %s, %d workers", cfg.Queue, cfg.Workers)

	api := server.New(server.Options{
		Registry:  registry,
		Queue:     queue,
		Fetcher:   timeoutFetcher{media: media, timeout: cfg.DownloadTimeout()},
		Searcher:  indexer,
		UploadDir: cfg.UploadDir,
		OutputDir: cfg.OutputDir,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("Server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Graceful shutdown failed: %v", err)
		srv.Close()
	}
	if err := queue.Shutdown(shutdownCtx); err != nil {
		log.Printf("Queue shutdown: %v", err)
	}
	log.Printf("Server stopped")
}

// openTaskStore sqlite 模式下，上次进程未完成的任务会被标记为失败
func openTaskStore(ctx context.Context, cfg *config.Config) (core.TaskStore, func(), error) {
	if cfg.TaskStore != "sqlite" {
		return storage.NewMemoryTaskStore(), func() {}, nil
	}
	store, err := storage.OpenSQLTaskStore(cfg.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	ids, err := store.ListUnfinished(ctx)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	registry := core.NewRegistry(store)
	for _, id := range ids {
		if _, err := registry.Fail(ctx, id, errors.New("interrupted by restart")); err != nil {
			log.Printf("Warning: failed to mark task %s as failed: %v", id, err)
		}
	}
	if len(ids) > 0 {
		log.Printf("Marked %d unfinished tasks as failed", len(ids))
	}
	return store, func() { store.Close() }, nil
}

// timeoutFetcher 为 URL 下载加上超时
type timeoutFetcher struct {
	media   processors.MediaTool
	timeout time.Duration
}

func (f timeoutFetcher) Download(ctx context.Context, url, dst string) error {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	return f.media.Download(ctx, url, dst)
}
