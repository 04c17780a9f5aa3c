// Package net serves the diagnostics endpoints of a running session.
package net

import (
	"encoding/json"
	"io"
	"log"
	nethttp "net/http"
	"net/http/pprof"
	"strings"

	"tower-wars/lockstep/internal/sim"
	"tower-wars/lockstep/logging"
)

// Session is the part of the frame loop the handlers read from and feed.
type Session interface {
	Status() sim.Status
	Enqueue(cmd sim.Command) bool
}

type HTTPHandlerConfig struct {
	Logger      *log.Logger
	FrameRate   int
	Metrics     *logging.Metrics
	RouterStats func() logging.RouterStats
	Clock       logging.Clock
	EnablePprof bool
}

type commandRequest struct {
	Name string   `json:"name"`
	Args []string `json:"args"`
}

func NewHTTPHandler(session Session, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = logging.SystemClock{}
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		var stats *logging.RouterStats
		if cfg.RouterStats != nil {
			current := cfg.RouterStats()
			stats = &current
		}
		payload := struct {
			Status     string               `json:"status"`
			ServerTime int64                `json:"serverTime"`
			FrameRate  int                  `json:"frameRate"`
			Session    sim.Status           `json:"session"`
			Logging    *logging.RouterStats `json:"logging,omitempty"`
			Telemetry  map[string]uint64    `json:"telemetry,omitempty"`
		}{
			Status:     "ok",
			ServerTime: clock.Now().UnixMilli(),
			FrameRate:  cfg.FrameRate,
			Session:    session.Status(),
			Logging:    stats,
			Telemetry:  cfg.Metrics.Snapshot(),
		}

		data, err := json.Marshal(payload)
		if err != nil {
			httpError(w, "failed to encode", nethttp.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	mux.HandleFunc("/command", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			httpError(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}
		var req commandRequest
		if r.Body != nil {
			defer r.Body.Close()
			decoder := json.NewDecoder(r.Body)
			if err := decoder.Decode(&req); err != nil && err != io.EOF {
				httpError(w, "invalid payload", nethttp.StatusBadRequest)
				return
			}
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			httpError(w, "command name is required", nethttp.StatusBadRequest)
			return
		}
		if !session.Enqueue(sim.Command{Name: req.Name, Args: req.Args, IssuedAt: clock.Now()}) {
			logger.Printf("[diagnostics] command %s rejected: queue full", req.Name)
			httpError(w, "command queue full", nethttp.StatusServiceUnavailable)
			return
		}

		data, _ := json.Marshal(struct {
			Status string `json:"status"`
			Name   string `json:"name"`
		}{Status: "queued", Name: req.Name})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(nethttp.StatusAccepted)
		w.Write(data)
	})

	if cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	return mux
}

func httpError(w nethttp.ResponseWriter, msg string, code int) {
	nethttp.Error(w, msg, code)
}
