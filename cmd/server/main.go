package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"plan2scene-backend/internal/config"
	"plan2scene-backend/internal/pipeline"
	"plan2scene-backend/internal/registry"
	httptransport "plan2scene-backend/internal/transport/http"
	"plan2scene-backend/internal/worker"
	applog "plan2scene-backend/pkg/log"
)

// @title Plan2Scene Web Backend
// @version 1.0
// @description Converts floorplan images into textured 3D scenes with walkthrough videos.
// @BasePath /
func main() {
	cfg, err := config.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := applog.InitLog(cfg.LogLevel)
	defer logger.Sync()
	l := zap.S().Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, dir := range []string{cfg.UploadDir, cfg.JobsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			l.Fatalf("creating %s: %v", dir, err)
		}
	}

	// DI
	reg := registry.New()
	exec := pipeline.NewExecutor(cfg.Plan2SceneRoot, cfg.R2VRoot, cfg.GPUEnabled)
	eng := pipeline.NewEngine(cfg, exec, reg)
	w := worker.New(reg, eng)
	h := httptransport.NewHandler(cfg, reg, w)

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           httptransport.Routes(h, cfg.StaticDir),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// In-flight jobs are fire-and-forget and survive only as long as the
		// process; the shutdown deadline covers open HTTP connections.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			l.Errorf("shutdown: %v", err)
		}
	}()

	l.Infof("listening on %s (mode=%s, pipeline_mode=%s, gpu_enabled=%v)", cfg.Address, cfg.Mode, cfg.PipelineMode, cfg.GPUEnabled)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.Fatalf("server: %v", err)
	}
	l.Info("server stopped")
}
