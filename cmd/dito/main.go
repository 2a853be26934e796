// Command dito is the process entry point: it loads and validates the
// configuration document, wires the Runtime Supervisor, Observer, and
// Access Control components together, starts every enabled listener,
// and watches the config file for hot reload until an OS signal asks
// it to shut down. Grounded on the teacher's cmd/main.go, generalized
// from a single mux+http.Server to the full listener set the Runtime
// Supervisor owns.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dito/access"
	"dito/client/redis"
	"dito/config"
	"dito/control"
	"dito/logging"
	"dito/observe"
	"dito/supervisor"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code spec §6 defines: 0 normal, 2
// invalid configuration, 3 fatal supervisor error.
func run() int {
	cfgPath := flag.String("f", "config.toml", "path to the configuration file")
	flag.Parse()

	if _, err := os.Stat(*cfgPath); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "configuration file not found: %s\n", *cfgPath)
		return 2
	}

	cfg, err := config.LoadConfiguration(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return 2
	}
	config.Publish(cfg)

	logger := logging.InitializeLogger(cfg.Runtime.LogLevel)

	var accessStore access.Store
	if cfg.Access.RedisAddr != "" {
		client, err := redis.Connect(logger, redis.Options{Addr: cfg.Access.RedisAddr, Password: cfg.Access.RedisPassword})
		if err != nil {
			logger.Error("failed to connect to access redis", slog.Any("error", err))
			return 3
		}
		accessStore = access.NewRedisStore(client)
	}

	var sink observe.Sink
	if cfg.Observability.RedisAddr != "" {
		client, err := redis.Connect(logger, redis.Options{Addr: cfg.Observability.RedisAddr, Password: cfg.Observability.RedisPassword})
		if err != nil {
			logger.Error("failed to connect to observer redis", slog.Any("error", err))
			return 3
		}
		sink = observe.NewRedisSink(client)
	}

	recorder := observe.NewRecorder(logger, sink)
	defer recorder.Close()

	sup := supervisor.New(logger)
	sup.AccessStore = accessStore

	go logListenerEvents(logger, sup)

	sup.Observer = recorder

	if cfg.Runtime.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observe.ExposeMetricsHandler())
			if err := http.ListenAndServe(cfg.Runtime.MetricsAddr, mux); err != nil {
				logger.Error("metrics server exited", slog.Any("error", err))
			}
		}()
	}

	ctrl := control.NewServer(*cfgPath, logger, sup, recorder, accessStore)
	ctrl.Start()

	if cfg.Runtime.HotReload {
		go func() {
			onChange := func(newCfg *config.Config) {
				logger.Info("configuration changed, reapplying")
				sup.Apply(newCfg)
			}
			if err := config.WatchConfig(*cfgPath, onChange, logger); err != nil {
				logger.Error("config watcher stopped", slog.Any("error", err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownDone := make(chan struct{})
	go func() {
		ctrl.Stop()
		close(shutdownDone)
	}()
	select {
	case <-shutdownDone:
		logger.Info("shutdown complete")
	case <-time.After(30 * time.Second):
		logger.Warn("shutdown timed out, exiting anyway")
	}
	return 0
}

// logListenerEvents drains the Supervisor's event channel for the
// lifetime of the process, rendering each transition through the
// structured logger instead of letting the channel silently fill.
func logListenerEvents(logger *slog.Logger, sup *supervisor.Supervisor) {
	for ev := range sup.Events() {
		logging.LogListenerEvent(logger, string(ev.Kind), ev.Key.Addr, string(ev.Key.Protocol), ev.Err)
	}
}
