package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/develbox-ro/ad-cognition/classifier"
	"github.com/develbox-ro/ad-cognition/config"
	"github.com/develbox-ro/ad-cognition/fetch"
	"github.com/develbox-ro/ad-cognition/inference"
	"github.com/develbox-ro/ad-cognition/loader"
	"github.com/develbox-ro/ad-cognition/logger"
	"github.com/develbox-ro/ad-cognition/metrics"
	"github.com/develbox-ro/ad-cognition/service"
	"github.com/develbox-ro/ad-cognition/store"
	"github.com/rs/zerolog/log"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (default $ADCOG_CONFIG)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.App.LogLevel, !cfg.IsProduction()); err != nil {
		return err
	}
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		log.Debug().Msgf(format, args...)
	})); err != nil {
		log.Warn().Err(err).Msg("unable to set GOMAXPROCS")
	}

	if err := metrics.Init(metrics.Config{
		Addr:         cfg.Metrics.StatsdAddr,
		SamplingRate: cfg.Metrics.SamplingRate,
		Tags:         append(cfg.Metrics.Tags, "app:"+cfg.App.Name, "env:"+cfg.App.Env),
	}); err != nil {
		log.Warn().Err(err).Msg("statsd unavailable, metrics disabled")
	}
	defer metrics.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	srv := &http.Server{
		Handler:      newRouter(app),
		Addr:         cfg.Server.Addr,
		WriteTimeout: cfg.Server.WriteTimeout,
		ReadTimeout:  cfg.Server.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("backend", cfg.Classifier.Backend).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if app.Loader != nil {
		// Initial load runs in the background; the service answers unavailable
		// until it finishes.
		g.Go(func() error {
			if err := app.Loader.Load(gctx); err != nil {
				log.Error().Err(err).Msg("initial model load failed")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info().Msg("shutting down server")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildApp wires storage, inference and both backends according to cfg.
func buildApp(ctx context.Context, cfg *config.Config) (*AppState, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	fetcher := fetch.New(fetch.Config{
		Timeout:       cfg.Fetch.Timeout,
		RetryAttempts: cfg.Fetch.RetryAttempts,
		RetryDelay:    cfg.Fetch.RetryDelay,
		MaxBytes:      cfg.Fetch.MaxBytes,
	}, nil)

	app := &AppState{MaxUploadBytes: cfg.Server.MaxUploadBytes}

	if cfg.Classifier.Backend != config.BackendRemote {
		if err := inference.InitEnvironment(resolveLibraryPath(cfg.ONNX.LibraryPath)); err != nil {
			return nil, nil, err
		}
		cleanups = append(cleanups, func() { inference.DestroyEnvironment() })

		st, err := openStore(ctx, cfg.Store)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		cleanups = append(cleanups, func() { st.Close() })

		engine := inference.NewONNXEngine(inference.ONNXConfig{
			InputName:         cfg.ONNX.InputName,
			OutputName:        cfg.ONNX.OutputName,
			ImageSize:         cfg.Model.ImageSize,
			PoolSize:          cfg.ONNX.PoolSize,
			IntraOpThreads:    cfg.ONNX.IntraOpThreads,
			InterOpThreads:    cfg.ONNX.InterOpThreads,
			AcquireTimeout:    cfg.ONNX.AcquireTimeout,
			HealthCheckPeriod: cfg.ONNX.HealthCheckPeriod,
		})

		app.Local = classifier.NewLocal(classifier.LocalConfig{TopK: cfg.Model.TopK, Labels: cfg.Model.Labels})
		app.Loader = loader.New(loader.Config{ModelURL: cfg.Model.URL}, st, fetcher, engine, app.Local)
		cleanups = append(cleanups, func() {
			if m := app.Local.Model(); m != nil {
				m.Close()
			}
		})
	}

	var remote *classifier.Remote
	if cfg.Remote.URL != "" && cfg.Classifier.Backend != config.BackendLocal {
		remote = classifier.NewRemote(classifier.RemoteConfig{
			BaseURL:        cfg.Remote.URL,
			HealthPath:     cfg.Remote.HealthPath,
			PredictPath:    cfg.Remote.PredictPath,
			ProbeTimeout:   cfg.Remote.ProbeTimeout,
			RequestTimeout: cfg.Remote.RequestTimeout,
			JPEGQuality:    cfg.Remote.JPEGQuality,
		}, nil)
	}

	app.Service = service.New(service.Options{
		Mode:         cfg.Classifier.Backend,
		ProbeTimeout: cfg.Classifier.ProbeTimeout,
	}, app.Local, remote, app.Loader, fetcher)

	return app, cleanup, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverRedis:
		return store.NewRedisStore(ctx, store.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	case config.DriverFile:
		return store.NewFileStore(cfg.Dir, cfg.LockTimeout)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
