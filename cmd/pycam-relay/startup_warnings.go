package main

import (
	"log/slog"
	"net"
	"slices"

	"github.com/pycam/pycam-relay/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if listensOnAllInterfaces(cfg.ListenAddr) {
		logger.Warn("startup security warning: listening on all interfaces (reachable by every device on the network)",
			"warning_code", "listen_all_interfaces",
			"listen_addr", cfg.ListenAddr,
			"mode", cfg.Mode,
		)
	}

	if cfg.RelayMode.Signaling() {
		if cfg.Mode == config.ModeProd {
			logger.Warn("startup security warning: signaling endpoints are unauthenticated while --mode=prod",
				"warning_code", "signaling_unauthenticated_in_prod",
				"relay_mode", cfg.RelayMode,
				"mode", cfg.Mode,
			)
		}
		logger.Warn("startup resource warning: signaling mailbox queues are unbounded (a role that never polls grows memory without limit)",
			"warning_code", "signaling_mailbox_unbounded",
			"relay_mode", cfg.RelayMode,
			"mode", cfg.Mode,
		)
	}
}

func listensOnAllInterfaces(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}
