package main

import (
	"log/slog"

	"github.com/kmansoni/ECOMANSONI-sub002/internal/config"
)

// logStartupWarnings reports insecure-but-permitted settings, one record per
// warning so log pipelines can alert on warning_code.
func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	for _, w := range cfg.Warnings() {
		logger.Warn("startup security warning: "+w.Message,
			"warning_code", w.Code,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNRESTSharedSecret != "" && !hasTURNServer(cfg) {
		logger.Warn("startup warning: TURN_REST_SHARED_SECRET is set but no TURN servers are configured",
			"warning_code", "turn_rest_without_turn_servers",
			"mode", cfg.Mode,
		)
	}
}

func hasTURNServer(cfg config.Config) bool {
	// Servers dropped from the server-side list are the ones waiting for
	// minted credentials.
	if len(cfg.PeerConnectionICEServers()) < len(cfg.ICEServers) {
		return true
	}
	for _, s := range cfg.ICEServers {
		if s.Username != "" {
			return true
		}
	}
	return false
}
