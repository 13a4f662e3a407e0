package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"

	"github.com/vela-metrics/statsdaemon/pkg/collector"
	"github.com/vela-metrics/statsdaemon/pkg/util"
)

const (
	paramLogLevel     = "log-level"
	paramLogFile      = "log-file"
	paramLogStderr    = "log-stderr"
	paramLogSyslog    = "log-syslog"
	paramSyslogSocket = "syslog-socket"

	paramFlushInterval = "flush-interval"
	paramFlushAligned  = "flush-aligned"
	paramFlushOffset   = "flush-offset"
	paramFlushStdout   = "flush-stdout"
	paramFlushGraphite = "flush-graphite"
	paramFlushFile     = "flush-file"
	paramFlushFileCsv  = "flush-file-csv"

	paramCollectUDP           = "collect-udp"
	paramCollectTCP           = "collect-tcp"
	paramCollectorThreads     = "collector-threads"
	paramCollectorThreadsMax  = "collector-threads-limit"
	paramQueueSize            = "queue-size"
	paramCollectorUser        = "collector-user"
	paramCollectorGroup       = "collector-group"
	paramCollectorRateLimit   = "collector-rate-limit"

	defaultBindAddr             = "127.0.0.1:8125"
	defaultFlushInterval        = 10 * time.Second
	defaultCollectorThreads     = 4
	defaultCollectorThreadsMax  = 64
)

func addFlags(cmd *pflag.FlagSet) {
	cmd.String(paramLogLevel, "info", "Minimum log severity (debug, info, warn, error)")
	cmd.String(paramLogFile, "", "Write logs to this file")
	cmd.Bool(paramLogStderr, true, "Write logs to stderr")
	cmd.Bool(paramLogSyslog, false, "Write logs to syslog")
	cmd.String(paramSyslogSocket, "", "Syslog socket path (empty uses the local syslog daemon)")

	cmd.Duration(paramFlushInterval, defaultFlushInterval, "Interval between flushes as a duration with a unit (e.g. 10s); a bare number is rejected")
	cmd.Bool(paramFlushAligned, false, "Align flush deadlines to wall-clock interval boundaries")
	cmd.Duration(paramFlushOffset, 0, "Offset applied to aligned flush boundaries")
	cmd.Bool(paramFlushStdout, false, "Add a stream destination writing to standard output")
	cmd.String(paramFlushGraphite, "", "Comma list of host[:port] Carbon destinations")
	cmd.String(paramFlushFile, "", "Pipe list of file paths receiving Carbon-format lines")
	cmd.String(paramFlushFileCsv, "", "Pipe list of file paths receiving CSV lines")

	cmd.String(paramCollectUDP, defaultBindAddr, "Comma list of [host][:port] UDP bind addresses")
	cmd.String(paramCollectTCP, "", "Comma list of [host][:port] TCP bind addresses")
	cmd.Int(paramCollectorThreads, defaultCollectorThreads, "Initial TCP worker count per collector")
	cmd.Int(paramCollectorThreadsMax, defaultCollectorThreadsMax, "Hard maximum TCP workers per collector")
	cmd.Int(paramQueueSize, 0, "Bounded queue capacity (0 means unbounded)")
	cmd.String(paramCollectorUser, "", "Drop privileges to this user after binding collectors")
	cmd.String(paramCollectorGroup, "", "Drop privileges to this group after binding collectors")
	cmd.Float64(paramCollectorRateLimit, 0, "Accepted datagrams/connections per second per collector (0 disables the cap)")
}

// runtimeConfig is the parsed, validated configuration a server.Config and
// its collector/destination factories are built from.
type runtimeConfig struct {
	logLevel     string
	logFile      string
	logStderr    bool
	logSyslog    bool
	syslogSocket string

	flushInterval time.Duration
	flushAligned  bool
	flushOffset   time.Duration
	flushStdout   bool
	graphiteAddrs []string
	fileDests     []string
	csvFileDests  []string

	udpAddrs []collector.Config
	tcpAddrs []collector.Config

	collectorThreads    int
	collectorThreadsMax int
	queueSize           int

	graphiteRetry util.BackoffFactory
}

func loadConfig(v *viper.Viper) (*runtimeConfig, error) {
	udpAddrs, err := parseCollectorAddrs(v.GetString(paramCollectUDP), v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", paramCollectUDP, err)
	}
	tcpAddrs, err := parseCollectorAddrs(v.GetString(paramCollectTCP), v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", paramCollectTCP, err)
	}
	if len(udpAddrs) == 0 && len(tcpAddrs) == 0 {
		return nil, fmt.Errorf("no collectors configured: set %s or %s", paramCollectUDP, paramCollectTCP)
	}

	interval := v.GetDuration(paramFlushInterval)
	if interval <= 0 {
		return nil, fmt.Errorf("%s must be positive", paramFlushInterval)
	}

	graphiteRetry, err := util.GetRetryFromViper(util.GetSubViper(v, "graphite"))
	if err != nil {
		return nil, fmt.Errorf("graphite retry policy: %w", err)
	}

	return &runtimeConfig{
		logLevel:     v.GetString(paramLogLevel),
		logFile:      v.GetString(paramLogFile),
		logStderr:    v.GetBool(paramLogStderr),
		logSyslog:    v.GetBool(paramLogSyslog),
		syslogSocket: v.GetString(paramSyslogSocket),

		flushInterval: interval,
		flushAligned:  v.GetBool(paramFlushAligned),
		flushOffset:   v.GetDuration(paramFlushOffset),
		flushStdout:   v.GetBool(paramFlushStdout),
		graphiteAddrs: splitNonEmpty(v.GetString(paramFlushGraphite), ","),
		fileDests:     splitNonEmpty(v.GetString(paramFlushFile), "|"),
		csvFileDests:  splitNonEmpty(v.GetString(paramFlushFileCsv), "|"),

		udpAddrs: udpAddrs,
		tcpAddrs: tcpAddrs,

		collectorThreads:    v.GetInt(paramCollectorThreads),
		collectorThreadsMax: v.GetInt(paramCollectorThreadsMax),
		queueSize:           v.GetInt(paramQueueSize),

		graphiteRetry: graphiteRetry,
	}, nil
}

// parseCollectorAddrs parses a comma list of "[host][:port]" into collector
// configs, defaulting missing host/port to 127.0.0.1:8125 and attaching the
// shared privilege-drop user/group.
func parseCollectorAddrs(csv string, v *viper.Viper) ([]collector.Config, error) {
	entries := splitNonEmpty(csv, ",")
	cfgs := make([]collector.Config, 0, len(entries))
	for _, entry := range entries {
		host, port, err := splitHostPortDefault(entry)
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, collector.Config{
			Host:      host,
			Port:      port,
			User:      v.GetString(paramCollectorUser),
			Group:     v.GetString(paramCollectorGroup),
			RateLimit: rate.Limit(v.GetFloat64(paramCollectorRateLimit)),
		})
	}
	return cfgs, nil
}

func splitHostPortDefault(addr string) (string, int, error) {
	host, port := "127.0.0.1", 8125
	if addr == "" {
		return host, port, nil
	}
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, port, nil
	}
	if idx > 0 {
		host = addr[:idx]
	}
	if idx < len(addr)-1 {
		p, err := strconv.Atoi(addr[idx+1:])
		if err != nil {
			return "", 0, fmt.Errorf("invalid port in %q: %w", addr, err)
		}
		port = p
	}
	return host, port, nil
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func newViper() *viper.Viper {
	v := viper.New()
	util.InitViper(v, "")
	return v
}
