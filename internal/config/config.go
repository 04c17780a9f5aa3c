// Package config loads session settings from LOCKSTEP_* environment
// variables and command-line flags. Flags win over the environment.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"

	"tower-wars/lockstep/internal/transport"
	"tower-wars/lockstep/logging"
)

// Config is the full set of session settings.
type Config struct {
	Server         bool          `env:"LOCKSTEP_SERVER" envDefault:"false"`
	Client         string        `env:"LOCKSTEP_CLIENT"`
	Port           int           `env:"LOCKSTEP_PORT" envDefault:"7777"`
	Transport      string        `env:"LOCKSTEP_TRANSPORT" envDefault:"tcp"`
	FrameRate      int           `env:"LOCKSTEP_FPS" envDefault:"30"`
	DelayFloor     int           `env:"LOCKSTEP_DELAY_FLOOR" envDefault:"5"`
	SyncSamples    int           `env:"LOCKSTEP_SYNC_SAMPLES" envDefault:"30"`
	LateTolerance  time.Duration `env:"LOCKSTEP_LATE_TOLERANCE" envDefault:"500ms"`
	FatalLate      bool          `env:"LOCKSTEP_FATAL_LATE" envDefault:"false"`
	ConnectTimeout time.Duration `env:"LOCKSTEP_CONNECT_TIMEOUT" envDefault:"5s"`
	LogLevel       string        `env:"LOCKSTEP_LOG_LEVEL" envDefault:"info"`
	LogJSON        string        `env:"LOCKSTEP_LOG_JSON"`
	DebugAddr      string        `env:"LOCKSTEP_DEBUG_ADDR"`
	EnablePprof    bool          `env:"LOCKSTEP_PPROF" envDefault:"false"`
	Console        bool          `env:"LOCKSTEP_CONSOLE" envDefault:"false"`
	Seed           string        `env:"LOCKSTEP_SEED"`
}

// Load parses the environment and then args. Usage and parse errors are
// written to output; -h returns flag.ErrHelp.
func Load(args []string, output io.Writer) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs := flag.NewFlagSet("lockstep", flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}
	fs.BoolVar(&cfg.Server, "server", cfg.Server, "assume the server role and wait for one peer")
	fs.StringVar(&cfg.Client, "client", cfg.Client, "assume the client role and connect to this host")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "port to listen on or connect to")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "peer transport: tcp or ws")
	fs.IntVar(&cfg.FrameRate, "fps", cfg.FrameRate, "frames per second")
	fs.IntVar(&cfg.DelayFloor, "delay-floor", cfg.DelayFloor, "minimum frames between scheduling and running a local event")
	fs.IntVar(&cfg.SyncSamples, "sync-samples", cfg.SyncSamples, "round-trip samples collected before synchronizing")
	fs.DurationVar(&cfg.LateTolerance, "late-tolerance", cfg.LateTolerance, "how far behind a frame may start before it is late (0 disables)")
	fs.BoolVar(&cfg.FatalLate, "fatal-late", cfg.FatalLate, "exit on a late frame")
	fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "client connection timeout")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "trace, debug, info, warn or error")
	fs.StringVar(&cfg.LogJSON, "log-json", cfg.LogJSON, "also write JSON log records to this file")
	fs.StringVar(&cfg.DebugAddr, "debug-addr", cfg.DebugAddr, "serve /health and /diagnostics on this address")
	fs.BoolVar(&cfg.EnablePprof, "pprof", cfg.EnablePprof, "expose /debug/pprof on the diagnostics address")
	fs.BoolVar(&cfg.Console, "console", cfg.Console, "read commands from stdin")
	fs.StringVar(&cfg.Seed, "seed", cfg.Seed, "derive bootstrap seeds from this value instead of crypto/rand")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects contradictory or out-of-range settings.
func (c Config) Validate() error {
	var errs []error
	if c.Server && c.Client != "" {
		errs = append(errs, errors.New("--server and --client are mutually exclusive"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Transport != transport.KindTCP && c.Transport != transport.KindWebSocket {
		errs = append(errs, fmt.Errorf("%w: %q", transport.ErrUnknownKind, c.Transport))
	}
	if c.FrameRate <= 0 {
		errs = append(errs, fmt.Errorf("fps must be positive, got %d", c.FrameRate))
	}
	if c.DelayFloor < 1 {
		errs = append(errs, fmt.Errorf("delay floor must be at least 1, got %d", c.DelayFloor))
	}
	if c.SyncSamples < 1 {
		errs = append(errs, fmt.Errorf("sync samples must be at least 1, got %d", c.SyncSamples))
	}
	if c.LateTolerance < 0 {
		errs = append(errs, fmt.Errorf("late tolerance must not be negative, got %s", c.LateTolerance))
	}
	if _, ok := logging.ParseSeverity(c.LogLevel); !ok {
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

// Role names the session role: server, client or standalone.
func (c Config) Role() string {
	switch {
	case c.Server:
		return "server"
	case c.Client != "":
		return "client"
	default:
		return "standalone"
	}
}

// ListenAddr is the address the server binds.
func (c Config) ListenAddr() string {
	return net.JoinHostPort("", strconv.Itoa(c.Port))
}

// DialAddr is the address the client connects to.
func (c Config) DialAddr() string {
	return net.JoinHostPort(c.Client, strconv.Itoa(c.Port))
}

// Severity returns the parsed minimum log severity.
func (c Config) Severity() logging.Severity {
	severity, _ := logging.ParseSeverity(c.LogLevel)
	return severity
}
