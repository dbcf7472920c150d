package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	envVarReceiverServer       = "PYCAM_RECEIVER_SERVER"
	envVarReceiverRole         = "PYCAM_RECEIVER_ROLE"
	envVarReceiverPollInterval = "PYCAM_RECEIVER_POLL_INTERVAL"

	DefaultReceiverServer       = "http://127.0.0.1:3000"
	DefaultReceiverRole         = "desktop"
	DefaultReceiverPollInterval = 500 * time.Millisecond
)

// ReceiverConfig configures cmd/pycam-receiver.
type ReceiverConfig struct {
	// ServerURL is the relay base URL, e.g. http://192.168.1.10:3000.
	ServerURL string
	// Role is "desktop" (answer) or "mobile" (offer).
	Role         string
	PollInterval time.Duration
	STUNURLs     []string

	LogFormat LogFormat
	LogLevel  slog.Level
}

func LoadReceiver(args []string) (ReceiverConfig, error) {
	return loadReceiver(os.LookupEnv, args)
}

func loadReceiver(lookup func(string) (string, bool), args []string) (ReceiverConfig, error) {
	server := envOrDefault(lookup, envVarReceiverServer, DefaultReceiverServer)
	role := envOrDefault(lookup, envVarReceiverRole, DefaultReceiverRole)
	stunURLsStr := envOrDefault(lookup, envVarSTUNURLs, DefaultSTUNURLs)
	logFormatStr := envOrDefault(lookup, envVarLogFormat, string(LogFormatPretty))
	logLevelStr := envOrDefault(lookup, envVarLogLevel, "info")
	pollInterval, err := envDurationOrDefault(lookup, envVarReceiverPollInterval, DefaultReceiverPollInterval)
	if err != nil {
		return ReceiverConfig{}, err
	}

	fs := flag.NewFlagSet("pycam-receiver", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&server, "server", server, "Relay base URL (env "+envVarReceiverServer+")")
	fs.StringVar(&role, "role", role, "Signaling role: desktop (answer) or mobile (offer) (env "+envVarReceiverRole+")")
	fs.DurationVar(&pollInterval, "poll-interval", pollInterval, "Mailbox poll interval (env "+envVarReceiverPollInterval+")")
	fs.StringVar(&stunURLsStr, "stun-urls", stunURLsStr, "Comma-separated STUN URLs (env "+envVarSTUNURLs+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text, json or pretty")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return ReceiverConfig{}, err
	}

	u, err := url.Parse(strings.TrimSpace(server))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ReceiverConfig{}, fmt.Errorf("invalid %s/--server %q (expected http://host:port)", envVarReceiverServer, server)
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if role != "desktop" && role != "mobile" {
		return ReceiverConfig{}, fmt.Errorf("invalid %s/--role %q (expected desktop or mobile)", envVarReceiverRole, role)
	}
	if pollInterval <= 0 {
		return ReceiverConfig{}, fmt.Errorf("%s/--poll-interval must be > 0", envVarReceiverPollInterval)
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return ReceiverConfig{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return ReceiverConfig{}, err
	}

	return ReceiverConfig{
		ServerURL:    strings.TrimSuffix(u.String(), "/"),
		Role:         role,
		PollInterval: pollInterval,
		STUNURLs:     splitList(stunURLsStr),
		LogFormat:    logFormat,
		LogLevel:     level,
	}, nil
}

// Logging returns a Config carrying only the logging settings, for NewLogger.
func (c ReceiverConfig) Logging() Config {
	return Config{LogFormat: c.LogFormat, LogLevel: c.LogLevel}
}
