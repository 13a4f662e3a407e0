package main

import (
	"context"
	"fmt"
	"io"
	"log/syslog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	logrusSyslog "github.com/sirupsen/logrus/hooks/syslog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/vela-metrics/statsdaemon/pkg/collector"
	"github.com/vela-metrics/statsdaemon/pkg/destination"
	"github.com/vela-metrics/statsdaemon/pkg/queue"
	"github.com/vela-metrics/statsdaemon/pkg/server"
)

func main() {
	v, err := setupConfiguration()
	if err != nil {
		if err == pflag.ErrHelp {
			return
		}
		logrus.Fatalf("error parsing configuration: %v", err)
	}

	logger, err := setupLogger(v)
	if err != nil {
		logrus.Fatalf("error configuring logging: %v", err)
	}

	if err := run(v, logger); err != nil {
		logger.Fatalf("%v", err)
	}
}

func run(v *viper.Viper, logger logrus.FieldLogger) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	s := server.New(server.Config{
		QueueCapacity: cfg.queueSize,
		FlushInterval: cfg.flushInterval,
		FlushAligned:  cfg.flushAligned,
		FlushOffset:   cfg.flushOffset,
	}, collectorFactory(cfg, logger), destinationFactory(cfg, logger), logger)

	if err := s.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	logger.Info("statsdaemon started")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)
	defer signal.Stop(reloadCh)

	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			logger.Info("statsdaemon stopped")
			return nil
		case <-reloadCh:
			logger.Info("received SIGHUP, reloading")
			if err := s.Reload(); err != nil {
				logger.WithError(err).Error("reload failed")
			}
		}
	}
}

// collectorFactory builds a server.CollectorFactory from the parsed
// configuration, instantiating one UDP or TCP collector per configured bind
// address.
func collectorFactory(cfg *runtimeConfig, logger logrus.FieldLogger) server.CollectorFactory {
	return func(q *queue.Queue) []server.Collector {
		var collectors []server.Collector
		for _, addr := range cfg.udpAddrs {
			collectors = append(collectors, collector.NewUDP(addr, q, logger))
		}
		for _, addr := range cfg.tcpAddrs {
			collectors = append(collectors, collector.NewTCP(addr, cfg.collectorThreads, cfg.collectorThreadsMax, q, logger))
		}
		return collectors
	}
}

// destinationFactory builds a server.DestinationFactory from the parsed
// configuration, opening a fresh destination set on every call. The
// configuration is read once at startup; a reload rebuilds destinations
// from that same configuration and does not re-read flags or environment.
func destinationFactory(cfg *runtimeConfig, logger logrus.FieldLogger) server.DestinationFactory {
	return func() []destination.Destination {
		var dests []destination.Destination
		if cfg.flushStdout {
			dests = append(dests, destination.NewStdout())
		}
		for _, addr := range cfg.graphiteAddrs {
			dests = append(dests, destination.NewGraphite(addr, logger, cfg.graphiteRetry))
		}
		for _, path := range cfg.fileDests {
			f, err := destination.NewFile(path)
			if err != nil {
				logger.WithError(err).WithField("path", path).Error("failed to open file destination")
				continue
			}
			dests = append(dests, f)
		}
		for _, path := range cfg.csvFileDests {
			f, err := destination.NewCsvFile(path)
			if err != nil {
				logger.WithError(err).WithField("path", path).Error("failed to open csv file destination")
				continue
			}
			dests = append(dests, f)
		}
		return dests
	}
}

func setupConfiguration() (*viper.Viper, error) {
	v := newViper()

	cmd := pflag.NewFlagSet(os.Args[0], pflag.ContinueOnError)
	addFlags(cmd)

	cmd.VisitAll(func(flag *pflag.Flag) {
		if err := v.BindPFlag(flag.Name, flag); err != nil {
			panic(err) // should never happen
		}
	})

	if err := cmd.Parse(os.Args[1:]); err != nil {
		return nil, err
	}
	return v, nil
}

// setupLogger builds a new logger and sets its level, formatter, and sinks
// from the parsed configuration: stderr and/or a file and/or syslog, any
// combination of which may be active at once.
func setupLogger(v *viper.Viper) (logrus.FieldLogger, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(v.GetString(paramLogLevel))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", paramLogLevel, err)
	}
	logger.SetLevel(level)

	if isatty.IsTerminal(os.Stderr.Fd()) {
		logger.SetFormatter(&logrus.TextFormatter{})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	var writers []io.Writer
	if v.GetBool(paramLogStderr) {
		writers = append(writers, os.Stderr)
	}
	if path := v.GetString(paramLogFile); path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening log file %s: %w", path, err)
		}
		writers = append(writers, f)
	}

	switch len(writers) {
	case 0:
		logger.SetOutput(io.Discard)
	case 1:
		logger.SetOutput(writers[0])
	default:
		logger.SetOutput(io.MultiWriter(writers...))
	}

	if v.GetBool(paramLogSyslog) {
		hook, err := logrusSyslog.NewSyslogHook("", v.GetString(paramSyslogSocket), syslog.LOG_INFO, "")
		if err != nil {
			return nil, fmt.Errorf("connecting to syslog: %w", err)
		}
		logger.AddHook(hook)
	}

	return logger, nil
}
