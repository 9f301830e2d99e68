package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rivo/tview"
	"gopkg.in/natefinch/lumberjack.v2"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/treadmill-app/internal/bt"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/config"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/ftms"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/mock"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/sink"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/treadmill"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/ui"
	"github.com/lowaak/smart-trainer/treadmill-app/internal/workout"
)

const metricsLogInterval = 5 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if config.IsHelp(err) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "treadmill: %v\n", err)
		os.Exit(2)
	}

	uiLogChan := make(chan string, 100)
	logFile := &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	}
	defer logFile.Close()

	// The dashboard owns the terminal, so its log pane replaces stderr
	var console io.Writer = os.Stderr
	if !cfg.UI.Headless {
		console = ui.NewLogWriter(uiLogChan)
	}
	logger := log.New(io.MultiWriter(logFile, console), "", log.LstdFlags|log.Lmicroseconds)

	if err := run(cfg, logger, uiLogChan); err != nil {
		logger.Printf("Fatal: %v", err)
		fmt.Fprintf(os.Stderr, "treadmill: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *log.Logger, uiLogChan chan string) error {
	logger.Printf("Starting treadmill client for %q (mock=%v)", cfg.Device.Name, cfg.Device.Mock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, stopTransport, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}
	defer stopTransport()

	sinks := treadmill.MultiSink{sink.NewLogSink(logger, metricsLogInterval)}
	closers, err := addSinks(cfg, logger, &sinks)
	defer func() {
		for _, closeFn := range closers {
			closeFn()
		}
	}()
	if err != nil {
		return err
	}

	var model *ui.Model
	if !cfg.UI.Headless {
		model = ui.NewModel(logger, uiLogChan)
		defer model.Shutdown()
		sinks = append(sinks, model)
	}

	session := treadmill.NewSession(transport, sinks, logger, treadmill.Options{
		DeviceName:            cfg.Device.Name,
		Decoder:               ftms.Decoder{DistanceDivisor: cfg.Decoder.DistanceDivisor},
		RequestControlOnReady: cfg.Device.RequestControl,
	})
	go_func_utils.SafeGo(logger, func() {
		if err := session.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("Session: stopped: %v", err)
		}
	})
	defer func() {
		if session.State() != treadmill.Disconnected {
			if err := session.Disconnect(); err != nil {
				logger.Printf("Disconnect on exit: %v", err)
			}
		}
	}()

	programs, initial, err := loadPrograms(cfg)
	if err != nil {
		return err
	}
	runner := workout.NewRunner(session, logger)
	go_func_utils.SafeGo(logger, func() { runner.Run(ctx) })

	if err := session.StartScan(ctx); err != nil {
		logger.Printf("Initial scan failed: %v", err)
	}

	if cfg.UI.Headless {
		var program *workout.Program
		if initial != "" {
			program = programs[0]
		}
		return runHeadless(ctx, logger, session, runner, program)
	}

	unregister := session.ListenToResponses(model.SetControlResponse)
	defer unregister()
	model.FollowWorkout(runner)

	controller := ui.NewController(ui.NewControllerArg{
		Context:        ctx,
		Model:          model,
		Session:        session,
		Controls:       treadmill.NewControls(session, controlLimits(cfg.Controls)),
		Runner:         runner,
		Programs:       programs,
		InitialProgram: initial,
		Logger:         logger,
	})
	dashboard := ui.NewDashboard(ui.NewDashboardArg{
		App:        tview.NewApplication(),
		Model:      model,
		Controller: controller,
		Logger:     logger,
	})
	defer dashboard.Shutdown()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go_func_utils.SafeGo(logger, func() {
		select {
		case <-ctx.Done():
		case sig := <-sigCh:
			logger.Printf("Received %v, closing", sig)
			model.RequestCloseApplication()
		}
	})

	return dashboard.Run()
}

func newTransport(cfg *config.Config, logger *log.Logger) (treadmill.Transport, func(), error) {
	if cfg.Device.Mock {
		m := mock.NewTreadmill(logger, mock.Config{
			Name:     cfg.Device.Name,
			HTTPPort: cfg.Mock.HTTPPort,
		})
		if err := m.Start(); err != nil {
			return nil, nil, fmt.Errorf("start mock treadmill: %w", err)
		}
		return m, m.Shutdown, nil
	}

	t := bt.NewTransport(bluetooth.DefaultAdapter, logger, cfg.Device.ScanTimeout)
	if err := t.Enable(); err != nil {
		return nil, nil, fmt.Errorf("enable BLE stack: %w", err)
	}
	return t, t.Shutdown, nil
}

// addSinks appends the optional sinks enabled in cfg. The returned closers
// must run even when an error is returned.
func addSinks(cfg *config.Config, logger *log.Logger, sinks *treadmill.MultiSink) ([]func(), error) {
	var closers []func()

	if cfg.Redis.Enabled {
		redisSink, err := sink.NewRedisSink(sink.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		}, logger)
		if err != nil {
			return closers, err
		}
		*sinks = append(*sinks, redisSink)
		closers = append(closers, func() {
			if err := redisSink.Close(); err != nil {
				logger.Printf("Redis: close: %v", err)
			}
		})
	}

	if cfg.Store.Enabled {
		store, err := sink.NewStore(cfg.Store.Path, cfg.Device.Name, logger)
		if err != nil {
			return closers, err
		}
		*sinks = append(*sinks, store)
		closers = append(closers, func() {
			if err := store.Close(); err != nil {
				logger.Printf("Store: close: %v", err)
			}
		})
	}

	if cfg.Fit.Enabled {
		recorder := sink.NewFitRecorder(cfg.Fit.Dir, logger)
		*sinks = append(*sinks, recorder)
		closers = append(closers, func() {
			if _, err := recorder.Flush(); err != nil {
				logger.Printf("FIT: %v", err)
			}
		})
	}
	return closers, nil
}

// loadPrograms returns the configured program file, if any, ahead of the
// built-in programs, plus the name the dashboard should start on.
func loadPrograms(cfg *config.Config) ([]*workout.Program, string, error) {
	programs := make([]*workout.Program, 0, len(workout.BuiltinPrograms)+1)
	initial := ""
	if cfg.Program.File != "" {
		p, err := workout.LoadProgram(cfg.Program.File)
		if err != nil {
			return nil, "", err
		}
		programs = append(programs, p)
		initial = p.Name
	}
	for i := range workout.BuiltinPrograms {
		programs = append(programs, &workout.BuiltinPrograms[i])
	}
	return programs, initial, nil
}

func controlLimits(c config.ControlsConfig) treadmill.Limits {
	return treadmill.Limits{
		SpeedStep:   c.SpeedStep,
		MinSpeed:    c.MinSpeed,
		MaxSpeed:    c.MaxSpeed,
		InclineStep: c.InclineStep,
		MinIncline:  c.MinIncline,
		MaxIncline:  c.MaxIncline,
	}
}

// runHeadless logs metrics until interrupted. A program given with --program
// starts as soon as the treadmill is Ready.
func runHeadless(ctx context.Context, logger *log.Logger, session *treadmill.Session, runner *workout.Runner, program *workout.Program) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	autoStart := program != nil && runner.SetProgram(program)

	stateCh := make(chan treadmill.ConnectionState, 8)
	unregister := session.ListenToState(stateCh)
	defer unregister()

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigCh:
			logger.Printf("Received %v, shutting down", sig)
			runner.Stop()
			return nil
		case state := <-stateCh:
			if state == treadmill.Ready && autoStart && runner.State().Status == workout.StatusReady {
				runner.Start()
			}
		}
	}
}
