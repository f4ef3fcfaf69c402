package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shaunagostinho/elm327-dash/internal/elm327"
	"github.com/shaunagostinho/elm327-dash/internal/monitor"
	"github.com/shaunagostinho/elm327-dash/internal/mqtt"
	"github.com/shaunagostinho/elm327-dash/internal/server"
	"github.com/shaunagostinho/elm327-dash/web"
)

func main() {
	configPath := flag.String("config", "/etc/elm327-dash/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Poll an emulated adapter instead of real hardware")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	check := flag.Bool("check", false, "Probe every configured adapter and exit")
	flag.Parse()

	cfg := server.LoadConfig(*configPath, logrus.StandardLogger())

	if *demo {
		for i := range cfg.Vehicles {
			cfg.Vehicles[i].Type = server.TypeDemo
		}
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	log := setupLogger(cfg.Log)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *check {
		if !probeAll(ctx, cfg, log) {
			os.Exit(1)
		}
		return
	}

	log.WithField("vehicles", len(cfg.Vehicles)).Info("elm327-dash starting")

	opts := server.Options{Logger: log}
	if cfg.Metrics.Enabled {
		opts.Metrics = monitor.New()
	}
	if cfg.MQTT.Enabled {
		pub := mqtt.NewPublisher(cfg.MQTT, log.WithField("component", "mqtt"))
		// Dashboard starts regardless; snapshots are dropped until the broker answers.
		go connectWithRetry(ctx, log.WithField("component", "mqtt"), pub.Connect, 10)
		defer pub.Disconnect()
		opts.Publisher = pub
	}

	srv, err := server.New(cfg, web.FS, opts)
	if err != nil {
		log.WithError(err).Fatal("server setup failed")
	}
	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("server exited")
	}
	log.Info("shutdown complete")
}

func setupLogger(cfg server.LogConfig) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(file)
		} else {
			log.WithError(err).Warn("cannot open log file, using stderr")
		}
	}

	return log
}

// probeAll opens and closes a connection to every adapter.
func probeAll(ctx context.Context, cfg *server.Config, log logrus.FieldLogger) bool {
	ok := true
	for _, v := range cfg.Vehicles {
		dial, err := v.Dialer()
		if err != nil {
			log.WithError(err).WithField("vehicle", v.Name).Error("bad adapter config")
			ok = false
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, v.ExchangeTimeout())
		err = elm327.Probe(pctx, dial)
		cancel()
		if err != nil {
			fmt.Printf("%-16s %-7s FAIL  %v\n", v.Name, v.Type, err)
			ok = false
			continue
		}
		fmt.Printf("%-16s %-7s OK\n", v.Name, v.Type)
	}
	return ok
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, log logrus.FieldLogger, connect func() error, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := connect()
		if err == nil {
			log.WithField("attempt", attempt+1).Info("connected")
			return
		}
		attempt++
		entry := log.WithError(err).WithField("retry_in", delay)
		if attempt <= maxAttempts {
			entry.Warnf("connect attempt %d/%d failed", attempt, maxAttempts)
		} else {
			entry.Debugf("connect attempt %d failed", attempt)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
