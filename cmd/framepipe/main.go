package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"framepipe/internal/auth"
	"framepipe/internal/capture"
	"framepipe/internal/config"
	"framepipe/internal/detection"
	"framepipe/internal/frame"
	"framepipe/internal/inference"
	"framepipe/internal/logging"
	"framepipe/internal/pipeline"
	"framepipe/internal/store"
	"framepipe/internal/telegram"
	"framepipe/internal/ws"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "framepipe: %v\n", err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "framepipe: %v\n", err)
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Errorw("Exited with error", "error", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.SugaredLogger) (err error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	authenticator, err := auth.NewAuthenticator(cfg.Auth)
	if err != nil {
		return err
	}

	source, err := newSource(ctx, cfg, logger.Named("source"))
	if err != nil {
		return err
	}

	demand := &capture.Demand{}
	sink, err := newSink(ctx, cfg, demand, logger.Named("sink"))
	if err != nil {
		return multierr.Append(err, source.Close())
	}
	// Run hands the sink to the producer, which closes it. Until then it
	// is closed here.
	running := false
	defer func() {
		if sink != nil && !running {
			err = multierr.Append(err, sink.Close())
		}
	}()

	engine, checker, err := newEngine(cfg, logger.Named("engine"))
	if err != nil {
		return multierr.Append(err, source.Close())
	}

	opts := inference.DefaultConsumerOptions()
	opts.Filter = cfg.Filter()
	opts.RerunStale = cfg.RerunStale
	opts.VerifyFrames = cfg.VerifyFrames

	p, err := pipeline.New(pipeline.Config{
		Source:    source,
		Sink:      sink,
		Demand:    demand,
		Engine:    engine,
		Inference: opts,
	}, logger.Named("pipeline"))
	if err != nil {
		return multierr.Combine(err, source.Close(), engine.Close())
	}
	defer func() {
		err = multierr.Append(err, p.Close())
	}()

	hub := ws.NewDetectionHub(nil, logger.Named("ws"))
	defer hub.Close()
	p.Bus().Subscribe(hub)
	p.Bus().Subscribe(pipeline.NewLogHandler(logger.Named("detections"), nil))

	var alerter *telegram.Alerter
	if cfg.Telegram.Enabled {
		alerter, err = telegram.NewAlerter(cfg.Telegram, nil, logger.Named("telegram"))
		if err != nil {
			return err
		}
		defer alerter.Close()
		alerter.Attach(p.Bus())
	}

	var (
		db       *store.Store
		recorder *store.Recorder
	)
	if cfg.DBPath != "" {
		db, err = store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, db.Close())
		}()

		if err := db.StartRun(ctx, &store.RunRecord{
			ID:            p.RunID(),
			StartedAt:     time.Now(),
			Source:        sourceName(cfg),
			Shape:         cfg.Shape().String(),
			IoUThreshold:  cfg.IoUThreshold,
			ConfThreshold: cfg.ConfThreshold,
		}); err != nil {
			return err
		}

		recorder = store.NewRecorder(db, 256, !cfg.RecordEmpty, logger.Named("store"))
		p.Bus().Subscribe(recorder)
	}

	// Signals and server failures stop the pipeline
	errc := make(chan error, 2)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	if db != nil && cfg.DBRetention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			db.RunRetention(ctx, cfg.DBRetention, retentionInterval, logger.Named("retention"))
		}()
	}
	if cfg.HTTPAddr != "" {
		handler := newHTTPHandler(&monitor{
			pipeline: p,
			hub:      hub,
			store:    db,
			recorder: recorder,
			engine:   checker,
			auth:     authenticator,
			logger:   logger,
		}, cfg.Debug)
		startHTTPServer(ctx, cfg.HTTPAddr, handler, &wg, errc, logger.Named("http"))
	}

	running = true
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx)
	}()

	var runErr error
	select {
	case reason := <-errc:
		logger.Infow("Stopping", "reason", reason)
		cancel()
		runErr = <-done
	case runErr = <-done:
		logger.Infow("Pipeline finished")
	}

	cancel()
	wg.Wait()

	if alerter != nil {
		alerter.Close()
		logger.Infow("Alerts closed", "stats", alerter.Stats())
	}

	if recorder != nil {
		recorder.Close()
		endCtx, endCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := db.EndRun(endCtx, p.RunID(), time.Now(), runErr); err != nil {
			logger.Warnw("Recording run end failed", "run_id", p.RunID(), "error", err)
		}
		endCancel()
		logger.Infow("Detection log closed", "stats", recorder.Stats())
	}

	logger.Infow("Exited", "stats", p.Stats())
	return runErr
}

// retentionInterval is how often old results are deleted
const retentionInterval = time.Hour

// newSink starts the display sink, or returns nil when none is configured
var newSink = func(ctx context.Context, cfg *config.Config, demand *capture.Demand, logger *zap.SugaredLogger) (capture.Sink, error) {
	if cfg.Sink == "" {
		return nil, nil
	}
	sink, err := capture.NewFFmpegSink(ctx, cfg.Sink, cfg.Shape(), cfg.FPS, cfg.SinkDepth, demand, logger)
	if err != nil {
		return nil, err
	}
	return sink, nil
}

func newSource(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (capture.Source, error) {
	switch cfg.Source {
	case config.SourceFFmpeg:
		src, err := capture.NewFFmpegSource(ctx, cfg.Device, cfg.Shape(), cfg.FPS, logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		logger.Infow("Using test pattern source", "shape", cfg.Shape().String(), "fps", cfg.FPS, "frames", cfg.PatternFrames)
		return capture.NewPatternSource(cfg.Shape(), cfg.FPS, cfg.PatternFrames), nil
	}
}

func sourceName(cfg *config.Config) string {
	if cfg.Source == config.SourceFFmpeg {
		return cfg.Device
	}
	return cfg.Source
}

// newEngine returns the configured inference engine and, if it reports
// health, its health checker. Without an endpoint frames are only captured.
func newEngine(cfg *config.Config, logger *zap.SugaredLogger) (inference.Engine, healthChecker, error) {
	if cfg.InferenceEndpoint == "" {
		logger.Warnw("No inference endpoint configured, detections will be empty")
		return inference.EngineFunc(func(context.Context, *frame.Frame) ([]detection.BoundingBox, error) {
			return nil, nil
		}), nil, nil
	}

	engine, err := inference.NewGRPCEngine(inference.GRPCEngineConfig{
		Endpoint:    cfg.InferenceEndpoint,
		InputSize:   cfg.InferenceInputSize,
		JPEGQuality: cfg.JPEGQuality,
		Timeout:     cfg.InferenceTimeout,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return engine, engine, nil
}
