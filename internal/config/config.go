package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/pycam/pycam-relay/internal/origin"
)

const (
	envVarListenAddr      = "PYCAM_RELAY_LISTEN_ADDR"
	envVarMode            = "PYCAM_RELAY_MODE"
	envVarLogFormat       = "PYCAM_RELAY_LOG_FORMAT"
	envVarLogLevel        = "PYCAM_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "PYCAM_RELAY_SHUTDOWN_TIMEOUT"
	envVarRelayMode       = "PYCAM_RELAY_RELAY_MODE"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Request/message size limits.
	envVarMaxSignalingMessageBytes = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxFrameBytes            = "MAX_FRAME_BYTES"

	// /ws keepalive + idle management.
	envVarWSPingInterval = "WS_PING_INTERVAL"
	envVarWSIdleTimeout  = "WS_IDLE_TIMEOUT"
	envVarWSWriteTimeout = "WS_WRITE_TIMEOUT"

	envVarStreamFPS = "STREAM_FPS"
	envVarSTUNURLs  = "STUN_URLS"

	// DefaultListenAddr binds every interface so devices on the same LAN can
	// reach the relay on the well-known port.
	DefaultListenAddr                   = "0.0.0.0:3000"
	DefaultShutdown                     = 15 * time.Second
	DefaultMode                    Mode = ModeDev
	DefaultRelayMode               RelayMode = RelayModeCombined
	DefaultAllowedOrigins               = "*"
	DefaultMaxSignalingMessageBytes     = int64(64 * 1024)
	DefaultMaxFrameBytes                = int64(8 << 20) // 8MiB
	DefaultWSPingInterval               = 20 * time.Second
	DefaultWSIdleTimeout                = 60 * time.Second
	DefaultWSWriteTimeout               = 5 * time.Second
	DefaultStreamFPS                    = 30
	DefaultSTUNURLs                     = "stun:stun.l.google.com:19302"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText   LogFormat = "text"
	LogFormatJSON   LogFormat = "json"
	LogFormatPretty LogFormat = "pretty"
)

// RelayMode selects which relay surfaces the server exposes. Both surfaces
// share the same listener, middleware and operational endpoints.
type RelayMode string

const (
	// RelayModeSignaling exposes only the signaling mailbox endpoints.
	RelayModeSignaling RelayMode = "signaling"
	// RelayModeStream exposes only the frame broadcast endpoints.
	RelayModeStream RelayMode = "stream"
	// RelayModeCombined exposes both.
	RelayModeCombined RelayMode = "combined"
)

func (m RelayMode) Signaling() bool { return m == RelayModeSignaling || m == RelayModeCombined }
func (m RelayMode) Stream() bool    { return m == RelayModeStream || m == RelayModeCombined }

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode
	RelayMode       RelayMode

	// MaxSignalingMessageBytes caps the body of a single signaling send request.
	MaxSignalingMessageBytes int64
	// MaxFrameBytes caps both POST /frame bodies and inbound /ws messages.
	MaxFrameBytes int64

	WSPingInterval time.Duration
	WSIdleTimeout  time.Duration
	WSWriteTimeout time.Duration

	// StreamFPS is the rate at which GET /stream repeats the latest frame when
	// no newer frame has been published.
	StreamFPS int

	// STUNURLs are handed to peers built by internal/peer.
	STUNURLs []string
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	relayModeStr := envOrDefault(lookup, envVarRelayMode, string(DefaultRelayMode))
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, DefaultAllowedOrigins)
	stunURLsStr := envOrDefault(lookup, envVarSTUNURLs, DefaultSTUNURLs)

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsWriteTimeout, err := envDurationOrDefault(lookup, envVarWSWriteTimeout, DefaultWSWriteTimeout)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxFrameBytes := DefaultMaxFrameBytes
	if raw, ok := lookup(envVarMaxFrameBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxFrameBytes, raw, err)
		}
		maxFrameBytes = n
	}

	streamFPS, err := envIntOrDefault(lookup, envVarStreamFPS, DefaultStreamFPS)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("pycam-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text, json or pretty")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&relayModeStr, "relay-mode", relayModeStr, "Relay surfaces to expose: signaling, stream or combined (env "+envVarRelayMode+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins, or * (env "+envVarAllowedOrigins+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max signaling request body size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.Int64Var(&maxFrameBytes, "max-frame-bytes", maxFrameBytes, "Max frame size in bytes for POST /frame and /ws messages (env "+envVarMaxFrameBytes+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Send ping frames on /ws connections at this interval (must be < --ws-idle-timeout; env "+envVarWSPingInterval+")")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close /ws connections that stay silent for this duration (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsWriteTimeout, "ws-write-timeout", wsWriteTimeout, "Per-message write deadline on /ws connections (env "+envVarWSWriteTimeout+")")
	fs.IntVar(&streamFPS, "stream-fps", streamFPS, "Repeat rate of the latest frame on GET /stream (env "+envVarStreamFPS+")")
	fs.StringVar(&stunURLsStr, "stun-urls", stunURLsStr, "Comma-separated STUN URLs handed to peers (env "+envVarSTUNURLs+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	relayMode, err := parseRelayMode(relayModeStr)
	if err != nil {
		return Config{}, err
	}

	if _, _, err := net.SplitHostPort(listenAddr); err != nil {
		return Config{}, fmt.Errorf("invalid %s/--listen-addr %q: %w", envVarListenAddr, listenAddr, err)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxFrameBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-frame-bytes must be > 0", envVarMaxFrameBytes)
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-idle-timeout must be > 0", envVarWSIdleTimeout)
	}
	if wsPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be > 0", envVarWSPingInterval)
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be < %s/--ws-idle-timeout", envVarWSPingInterval, envVarWSIdleTimeout)
	}
	if wsWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-write-timeout must be > 0", envVarWSWriteTimeout)
	}
	if streamFPS <= 0 || streamFPS > 120 {
		return Config{}, fmt.Errorf("%s/--stream-fps must be between 1 and 120", envVarStreamFPS)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	return Config{
		ListenAddr:               listenAddr,
		AllowedOrigins:           allowedOrigins,
		LogFormat:                logFormat,
		LogLevel:                 level,
		ShutdownTimeout:          shutdownTimeout,
		Mode:                     mode,
		RelayMode:                relayMode,
		MaxSignalingMessageBytes: maxSignalingMessageBytes,
		MaxFrameBytes:            maxFrameBytes,
		WSPingInterval:           wsPingInterval,
		WSIdleTimeout:            wsIdleTimeout,
		WSWriteTimeout:           wsWriteTimeout,
		StreamFPS:                streamFPS,
		STUNURLs:                 splitList(stunURLsStr),
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg Config, w io.Writer) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(w, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	case LogFormatPretty:
		logger := pterm.DefaultLogger.
			WithWriter(w).
			WithTime(true).
			WithLevel(ptermLevel(cfg.LogLevel))
		handler = pterm.NewSlogHandler(logger)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func ptermLevel(level slog.Level) pterm.LogLevel {
	switch {
	case level <= slog.LevelDebug:
		return pterm.LogLevelDebug
	case level <= slog.LevelInfo:
		return pterm.LogLevelInfo
	case level <= slog.LevelWarn:
		return pterm.LogLevelWarn
	default:
		return pterm.LogLevelError
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseRelayMode(raw string) (RelayMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(RelayModeSignaling):
		return RelayModeSignaling, nil
	case string(RelayModeStream):
		return RelayModeStream, nil
	case string(RelayModeCombined), "both":
		return RelayModeCombined, nil
	default:
		return "", fmt.Errorf("invalid relay mode %q (expected signaling, stream or combined)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	case string(LogFormatPretty):
		return LogFormatPretty, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text, json or pretty)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

// parseAllowedOrigins accepts "*" or a comma-separated list of
// scheme://host[:port] origins.
func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, item := range splitList(raw) {
		if item == origin.Wildcard {
			out = append(out, item)
			continue
		}
		normalized, ok := origin.Normalize(item)
		if !ok || normalized == "null" {
			return nil, fmt.Errorf("origin %q must be an http:// or https:// scheme://host[:port]", item)
		}
		out = append(out, normalized)
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
