package config

import (
	"os"
	"strconv"
	"time"
)

// envString reads a string environment variable, keeping cur when unset or
// empty.
func envString(key string, cur string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return cur
}

// envInt reads an integer environment variable, keeping cur on parse failure.
func envInt(key string, cur int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return cur
}

// envDuration reads a duration environment variable ("15s", "5m"), keeping
// cur on parse failure.
func envDuration(key string, cur time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return cur
}

// applyEnv overrides cfg fields from ARCHIVEXM_* environment variables.
func applyEnv(cfg *AppConfig) {
	cfg.ListenAddr = envString("ARCHIVEXM_LISTEN", cfg.ListenAddr)
	cfg.LogLevel = envString("ARCHIVEXM_LOG_LEVEL", cfg.LogLevel)
	cfg.DataDir = envString("ARCHIVEXM_DATA", cfg.DataDir)
	cfg.DownloadDir = envString("ARCHIVEXM_DOWNLOADS", cfg.DownloadDir)
	cfg.APIBase = envString("ARCHIVEXM_API_BASE", cfg.APIBase)
	cfg.UserAgent = envString("ARCHIVEXM_USER_AGENT", cfg.UserAgent)
	cfg.DVRWindowHours = envInt("ARCHIVEXM_DVR_WINDOW_HOURS", cfg.DVRWindowHours)
	cfg.PollInterval = envDuration("ARCHIVEXM_POLL_INTERVAL", cfg.PollInterval)
	cfg.RefreshThreshold = envDuration("ARCHIVEXM_REFRESH_THRESHOLD", cfg.RefreshThreshold)
	cfg.LeaseTTL = envDuration("ARCHIVEXM_LEASE_TTL", cfg.LeaseTTL)
	cfg.SegmentRetries = envInt("ARCHIVEXM_SEGMENT_RETRIES", cfg.SegmentRetries)
	cfg.SegmentBackoff = envDuration("ARCHIVEXM_SEGMENT_BACKOFF", cfg.SegmentBackoff)
	cfg.AuthRetries = envInt("ARCHIVEXM_AUTH_RETRIES", cfg.AuthRetries)
	cfg.AuthBackoff = envDuration("ARCHIVEXM_AUTH_BACKOFF", cfg.AuthBackoff)
	cfg.GracefulStopWait = envDuration("ARCHIVEXM_GRACEFUL_STOP_WAIT", cfg.GracefulStopWait)
	cfg.FFmpegPath = envString("ARCHIVEXM_FFMPEG", cfg.FFmpegPath)
}
