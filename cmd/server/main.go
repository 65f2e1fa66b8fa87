package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"loop-vcam/internal/camera"
	"loop-vcam/internal/device"
	"loop-vcam/internal/platform/config"
	"loop-vcam/internal/platform/logger"
	"loop-vcam/internal/platform/metrics"
	"loop-vcam/internal/sink/mjpeg"
	"loop-vcam/internal/sink/v4l2sink"
	"loop-vcam/internal/source/gstsource"
	"loop-vcam/internal/source/patternsource"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
	patternLocation   = "pattern://stripe"
)

func main() {
	_ = config.Load()
	cfg := config.LoadCamera()

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg config.Camera, log *slog.Logger) error {
	met := metrics.New()

	pool, err := camera.NewBufferPool(cfg.FrameSize(), cfg.PoolThreshold)
	if err != nil {
		return err
	}

	src, location, err := newSource(cfg, pool, log)
	if err != nil {
		return err
	}

	sinks, preview, closeSinks, err := newSinks(cfg, log, met)
	if err != nil {
		return err
	}
	defer closeSinks()

	ctrl, err := camera.NewController(camera.ControllerConfig{
		Source:    src,
		Location:  location,
		FrameRate: cfg.FrameRate,
		Sink:      sinks,
		Logger:    logger.Component(log, "camera"),
		Metrics:   met,
		OnStall: func(err error) {
			log.Error("stream stalled, consumers must reattach", "error", err)
		},
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	repo := device.NewInMemoryRepository()
	svc := device.NewService(repo, ctrl, logger.Component(log, "device"), met)

	var previewHandler http.Handler
	if preview != nil {
		previewHandler = preview
	}
	h := device.NewHandler(svc, previewHandler, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetActiveConsumers(svc.ConsumerCount())
			met.SetPoolInUse(pool.Stats().InUse)
		}).ServeHTTP(w, r)
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := ctrl.Stalled(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	r.Route("/consumers", func(r chi.Router) {
		r.Post("/", h.AttachConsumer)
		r.Get("/", h.ListConsumers)
		r.Delete("/{consumer_id}", h.DetachConsumer)
	})
	r.Get("/device", h.GetDevice)
	r.Post("/device/cancel", h.CancelDevice)
	r.Get("/preview.mjpeg", h.Preview)

	if cfg.AutoStart {
		c, err := svc.Attach("autostart")
		if err != nil {
			return fmt.Errorf("autostart: %w", err)
		}
		log.Info("autostart consumer attached", "consumer_id", c.ID)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting",
			"port", cfg.Port,
			"source", cfg.Source,
			"location", location,
			"frame_rate", cfg.FrameRate,
			"width", cfg.Width,
			"height", cfg.Height,
			"v4l2_device", cfg.V4L2Device,
			"preview", cfg.PreviewEnable,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		// Preview responses only end once the stream stops.
		n := svc.Cancel()
		if preview != nil {
			_ = preview.Close()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		log.Info("consumers detached", "count", n)
		return nil
	})
	return g.Wait()
}

// newSource builds the frame source named by SOURCE and the location it is
// opened with.
func newSource(cfg config.Camera, pool *camera.BufferPool, log *slog.Logger) (camera.FrameSource, string, error) {
	switch cfg.Source {
	case config.SourcePattern:
		src, err := patternsource.New(patternsource.Config{
			Width:      cfg.Width,
			Height:     cfg.Height,
			FrameRate:  cfg.FrameRate,
			LoopFrames: cfg.PatternLoopSeconds * cfg.FrameRate,
			Pool:       pool,
		})
		return src, patternLocation, err
	default:
		src, err := gstsource.New(gstsource.Config{
			Width:  cfg.Width,
			Height: cfg.Height,
			Pool:   pool,
			Logger: logger.Component(log, "gstsource"),
		})
		return src, cfg.AssetPath, err
	}
}

// newSinks builds every configured output. The returned close func releases
// them all and is safe to call once.
func newSinks(cfg config.Camera, log *slog.Logger, met *metrics.Metrics) (camera.Sink, *mjpeg.Broadcaster, func(), error) {
	var (
		fanout  camera.Fanout
		closers []func() error
		preview *mjpeg.Broadcaster
	)
	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}

	if cfg.PreviewEnable {
		b, err := mjpeg.New(mjpeg.Config{
			Width:   cfg.Width,
			Height:  cfg.Height,
			Quality: cfg.JPEGQuality,
			Logger:  logger.Component(log, "preview"),
			Metrics: met,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		preview = b
		fanout = append(fanout, b)
		closers = append(closers, b.Close)
	}

	if cfg.V4L2Device != "" {
		s, err := v4l2sink.Open(v4l2sink.Config{
			Device:  cfg.V4L2Device,
			Width:   cfg.Width,
			Height:  cfg.Height,
			Logger:  logger.Component(log, "v4l2"),
			Metrics: met,
		})
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		fanout = append(fanout, s)
		closers = append(closers, s.Close)
	}

	switch len(fanout) {
	case 0:
		log.Warn("no outputs configured, frames are discarded")
		return camera.DiscardSink, nil, closeAll, nil
	case 1:
		return fanout[0], preview, closeAll, nil
	default:
		return fanout, preview, closeAll, nil
	}
}
