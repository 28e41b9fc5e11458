package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hls-capture/internal/acquisition"
	"hls-capture/internal/media"
	"hls-capture/internal/platform/config"
	"hls-capture/internal/platform/logger"
	"hls-capture/internal/platform/metrics"
	"hls-capture/internal/store"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	dataDir := config.GetEnv("DATA_DIR", "data/chunks")
	stateDB := config.GetEnv("STATE_DB", "data/state.db")
	outputDir := config.GetEnv("OUTPUT_DIR", "downloads")
	remoteDir := config.GetEnv("REMOTE_DIR", "")
	ffmpegBin := config.GetEnv("FFMPEG_BIN", "ffmpeg")
	maxConcurrent := config.GetEnvInt("MAX_CONCURRENT_FETCHES", acquisition.DefaultMaxConcurrent)
	pollInterval := config.GetEnvDuration("LIVE_POLL_INTERVAL", 4*time.Second)
	container := config.GetEnv("OUTPUT_CONTAINER", "mp4")
	userAgent := config.GetEnv("FETCH_USER_AGENT", "hls-capture/1.0")

	log := logger.New(os.Stdout, logLevel, logFormat)

	chunks, err := store.OpenBadgerChunkStore(dataDir)
	if err != nil {
		log.Error("open chunk store", "error", err)
		os.Exit(1)
	}
	defer chunks.Close()

	repo, err := store.OpenSQLiteRepository(stateDB)
	if err != nil {
		log.Error("open state database", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	saver, err := media.NewDirSink(outputDir)
	if err != nil {
		log.Error("create save sink", "error", err)
		os.Exit(1)
	}

	var remote acquisition.RemoteSink
	if remoteDir != "" {
		r, err := media.NewDirRemoteSink(remoteDir)
		if err != nil {
			log.Error("create remote sink", "error", err)
			os.Exit(1)
		}
		remote = r
	}

	met := metrics.New()
	svc := acquisition.New(acquisition.Deps{
		Repo:    repo,
		Chunks:  chunks,
		Fetch:   acquisition.HTTPFetcher(nil, userAgent),
		Muxer:   media.NewFFmpegMuxer(ffmpegBin, log),
		Saver:   saver,
		Remote:  remote,
		Metrics: met,
		Log:     log,
	}, acquisition.Config{
		MaxConcurrent: maxConcurrent,
		PollInterval:  pollInterval,
		Container:     container,
		UserAgent:     userAgent,
	})
	defer svc.Close()

	h := acquisition.NewHandler(svc, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() { met.SetActiveAcquisitions(svc.ActiveCount()) }).ServeHTTP(w, req)
	})
	h.Routes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"max_concurrent_fetches", maxConcurrent,
		"output_dir", outputDir,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
