package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/siggen/config"
	"github.com/timzifer/siggen/processor"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file (.yaml or .cue)")
	healthcheck := flag.Bool("healthcheck", false, "Run a health check and exit")
	configCheck := flag.Bool("config-check", false, "Validate configuration, print a summary and exit")
	httpListen := flag.String("http-listen", "", "Serve /metrics and /status on this address")
	flag.Parse()

	if *healthcheck {
		if err := executeHealthCheck(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if *configCheck {
		os.Exit(executeConfigCheck(*cfgPath))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var reload processor.ReloadFunc
	proc, err := processor.New(ctx, processor.WithConfigPath(*cfgPath, func(fn processor.ReloadFunc) { reload = fn }))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create processor")
	}
	defer proc.Close()

	go reloadOnHangup(ctx, reload)

	if *httpListen != "" {
		srv := newHTTPServer(*httpListen, proc)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("listen", *httpListen).Msg("http server stopped")
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("processor stopped with error")
	}
}

func reloadOnHangup(ctx context.Context, reload processor.ReloadFunc) {
	if reload == nil {
		return
	}
	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hangup:
			if err := reload(ctx); err != nil {
				log.Error().Err(err).Msg("reload on SIGHUP failed")
			}
		}
	}
}

func newHTTPServer(addr string, proc *processor.Processor) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		status, ok := proc.Status()
		if !ok {
			http.Error(w, "service not running", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Error().Err(err).Msg("encode status")
		}
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

func executeHealthCheck(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return processor.Validate(cfg)
}

func executeConfigCheck(path string) int {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}
	if err := processor.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}

	fmt.Printf("Lines: %d, sources: %d, mirrors: %d\n", len(cfg.Lines), len(cfg.Sources), len(cfg.Mirrors))
	for _, gen := range cfg.Generators {
		state := "enabled"
		if gen.Disable {
			state = "disabled"
		}
		waveform := gen.Waveform
		if waveform == "" {
			waveform = "sine"
		}
		fmt.Printf("Generator %q (%s)\n", gen.ID, state)
		fmt.Printf("  Waveform: %s\n", waveform)
		if gen.Modulation != "" {
			fmt.Printf("  Modulation: %s via %q\n", gen.Modulation, gen.ModulationInput)
		}
		if gen.Output != "" {
			fmt.Printf("  Output: %s\n", gen.Output)
		}
		if gen.Enable != "" {
			fmt.Printf("  Enable: %s (gate %t)\n", gen.Enable, gen.EnableGate)
		}
	}
	fmt.Println("Configuration check completed successfully.")
	return 0
}
