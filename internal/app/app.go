package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"tower-wars/lockstep/internal/config"
	"tower-wars/lockstep/internal/console"
	"tower-wars/lockstep/internal/lockstep"
	servernet "tower-wars/lockstep/internal/net"
	"tower-wars/lockstep/internal/playfield"
	"tower-wars/lockstep/internal/random"
	"tower-wars/lockstep/internal/sim"
	"tower-wars/lockstep/internal/telemetry"
	"tower-wars/lockstep/internal/transport"
	"tower-wars/lockstep/logging"
	"tower-wars/lockstep/logging/lifecycle"
	"tower-wars/lockstep/logging/network"
	"tower-wars/lockstep/logging/simulation"
	loggingSinks "tower-wars/lockstep/logging/sinks"
)

type Config struct {
	Settings config.Config
	Logger   telemetry.Logger
	Stdout   io.Writer
	Stdin    io.Reader
	Clock    logging.Clock
}

func Run(ctx context.Context, cfg Config) error {
	settings := cfg.Settings
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	fallbackLogger := log.Default()
	if provider, ok := telemetryLogger.(interface{ StandardLogger() *log.Logger }); ok {
		if candidate := provider.StandardLogger(); candidate != nil {
			fallbackLogger = candidate
		}
	}
	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = logging.SystemClock{}
	}

	logConfig := logging.DefaultConfig()
	logConfig.MinimumSeverity = settings.Severity()
	logConfig.Fields = map[string]any{"role": settings.Role()}
	sinks := map[string]logging.Sink{
		"console": loggingSinks.NewConsoleSink(stdout),
	}
	if settings.LogJSON != "" {
		file, err := os.OpenFile(settings.LogJSON, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open json log: %w", err)
		}
		defer file.Close()
		logConfig.EnabledSinks = append(logConfig.EnabledSinks, "json")
		logConfig.JSON.FilePath = settings.LogJSON
		sinks["json"] = loggingSinks.NewJSON(file, logConfig.JSON.FlushInterval)
	}

	router, err := logging.NewRouter(logConfig, clock, fallbackLogger, sinks)
	if err != nil {
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if cerr := router.Close(closeCtx); cerr != nil {
			telemetryLogger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	metrics := &logging.Metrics{}
	engineCfg := lockstep.Config{
		DelayFloor:  lockstep.Frame(settings.DelayFloor),
		SyncSamples: settings.SyncSamples,
		Seed:        random.Source(settings.Seed),
		Publisher:   router,
		Metrics:     telemetry.WrapMetrics(metrics),
	}

	engine, address, err := newEngine(ctx, settings, engineCfg, router)
	if err != nil {
		return err
	}
	defer engine.Close()

	world := playfield.New(router)
	if err := world.Register(engine); err != nil {
		return fmt.Errorf("register playfield: %w", err)
	}
	if engine.Role() == lockstep.RoleStandalone {
		if err := engine.Bootstrap(); err != nil {
			return err
		}
	}

	presentEvery := lockstep.Frame(settings.FrameRate)
	loop := sim.NewLoop(engine, sim.LoopConfig{
		FrameRate:     settings.FrameRate,
		LateTolerance: settings.LateTolerance,
		FatalLate:     settings.FatalLate,
	}, sim.LoopHooks{
		Present: func(frame lockstep.Frame) {
			if presentEvery <= 0 || frame%presentEvery != 0 {
				return
			}
			simulation.Presented(context.Background(), router, int64(frame), simulation.PresentedPayload{
				Checksum: world.Checksum(),
			}, nil)
		},
	}, sim.Deps{
		Publisher: router,
		Metrics:   telemetry.WrapMetrics(metrics),
		Logger:    telemetryLogger,
		Clock:     clock,
	})

	lifecycle.SessionStarted(ctx, router, 0, lifecycle.SessionStartedPayload{
		Role:      settings.Role(),
		Transport: settings.Transport,
		Address:   address,
		FrameRate: settings.FrameRate,
	}, nil)

	if settings.DebugAddr != "" {
		stopDebug, err := serveDiagnostics(settings, loop, metrics, router, telemetryLogger)
		if err != nil {
			return err
		}
		defer stopDebug()
	}

	if settings.Console {
		stdin := cfg.Stdin
		if stdin == nil {
			stdin = os.Stdin
		}
		go func() {
			if err := console.Run(ctx, stdin, loop, telemetryLogger); err != nil {
				telemetryLogger.Printf("%v", err)
			}
		}()
	}

	runErr := loop.Run(ctx)
	reason := "quit"
	if runErr != nil {
		reason = runErr.Error()
	}
	lifecycle.SessionEnded(context.Background(), router, loop.Status().Frame, lifecycle.SessionEndedPayload{Reason: reason}, nil)
	return runErr
}

func newEngine(ctx context.Context, settings config.Config, engineCfg lockstep.Config, pub logging.Publisher) (*lockstep.Engine, string, error) {
	switch settings.Role() {
	case "server":
		ln, err := transport.Listen(settings.Transport, settings.ListenAddr())
		if err != nil {
			return nil, "", fmt.Errorf("listen: %w", err)
		}
		return lockstep.NewServer(engineCfg, ln), ln.Addr(), nil
	case "client":
		dialCtx, cancel := context.WithTimeout(ctx, settings.ConnectTimeout)
		defer cancel()
		addr := settings.DialAddr()
		peer, err := transport.Dial(dialCtx, settings.Transport, addr)
		if err != nil {
			return nil, "", &lockstep.Error{
				Class: lockstep.ClassFatal,
				Op:    "connect",
				Err:   fmt.Errorf("%w: %s: %v", lockstep.ErrConnect, addr, err),
			}
		}
		network.PeerConnected(ctx, pub, 0, logging.EntityRef{ID: "client", Kind: logging.EntityKindPeer}, network.PeerConnectedPayload{
			Role:   "client",
			Remote: peer.RemoteAddr(),
		}, nil)
		return lockstep.NewClient(engineCfg, peer), addr, nil
	default:
		return lockstep.NewStandalone(engineCfg), "", nil
	}
}

func serveDiagnostics(settings config.Config, loop *sim.Loop, metrics *logging.Metrics, router *logging.Router, logger telemetry.Logger) (func(), error) {
	handler := servernet.NewHTTPHandler(loop, servernet.HTTPHandlerConfig{
		FrameRate:   settings.FrameRate,
		Metrics:     metrics,
		RouterStats: router.Stats,
		EnablePprof: settings.EnablePprof,
	})
	ln, err := net.Listen("tcp", settings.DebugAddr)
	if err != nil {
		return nil, fmt.Errorf("diagnostics listen: %w", err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	logger.Printf("diagnostics listening on %s", ln.Addr())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("diagnostics server failed: %v", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}
