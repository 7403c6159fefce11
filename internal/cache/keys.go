package cache

import (
	"fmt"
	"strings"
	"time"

	"quotesync/internal/config"
)

// Namespace is the Redis key prefix for quotesync.
const Namespace = "quotesync"

// TTLClass represents a config-driven TTL bucket.
type TTLClass string

const (
	TTLShort  TTLClass = "short"
	TTLMedium TTLClass = "medium"
	TTLLong   TTLClass = "long"
)

// TTLSet normalises cache TTLs from config into time.Duration values.
type TTLSet struct {
	Short  time.Duration
	Medium time.Duration
	Long   time.Duration
}

// NewTTLSet converts config TTLs (in seconds) into durations.
func NewTTLSet(cfg config.CacheTTL) TTLSet {
	return TTLSet{
		Short:  durationOrDefault(cfg.Short, 10*time.Second),
		Medium: durationOrDefault(cfg.Medium, time.Minute),
		Long:   durationOrDefault(cfg.Long, 5*time.Minute),
	}
}

func durationOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds < 0 {
		return 0
	}
	if seconds == 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// Duration returns the configured duration for the given TTL class.
func (t TTLSet) Duration(class TTLClass) time.Duration {
	switch class {
	case TTLShort:
		return t.Short
	case TTLMedium:
		return t.Medium
	case TTLLong:
		return t.Long
	default:
		return 0
	}
}

// Scaled applies a multiplier to a TTL class.
func (t TTLSet) Scaled(class TTLClass, factor float64) time.Duration {
	base := t.Duration(class)
	if base <= 0 || factor <= 0 {
		return base
	}
	return time.Duration(float64(base) * factor)
}

func formatKey(parts ...string) string {
	values := make([]string, 0, len(parts)+1)
	values = append(values, Namespace)
	for _, part := range parts {
		clean := strings.TrimSpace(part)
		if clean == "" {
			continue
		}
		values = append(values, clean)
	}
	return strings.Join(values, ":")
}

// --- Watermarks -------------------------------------------------------------

// WatermarkKey caches the newest stored timestamp of one series.
func WatermarkKey(schema, provider, level, entityID string) string {
	return formatKey("watermark", schema, provider, level, entityID)
}

// WatermarkTTL keeps watermarks long; writes invalidate them anyway.
func WatermarkTTL(ttl TTLSet) time.Duration {
	return ttl.Scaled(TTLLong, 12) // ~1h when long=300s
}

// --- Runs -------------------------------------------------------------------

// LastSummaryKey holds the rendered summary of a job's latest run.
func LastSummaryKey(job string) string {
	return formatKey("run", "last", job)
}

// LastSummaryTTL returns the TTL for cached run summaries.
func LastSummaryTTL() time.Duration {
	return 7 * 24 * time.Hour
}

// RunLockKey guards a job against concurrent runs across processes.
func RunLockKey(job string) string {
	return formatKey("lock", "run", job)
}

// FormatCacheKey is exported for keys not covered by helpers.
func FormatCacheKey(parts ...string) string {
	return formatKey(parts...)
}

// BuildKeyWithSuffix appends an arbitrary suffix to an existing key.
func BuildKeyWithSuffix(baseKey, suffix string) string {
	if strings.TrimSpace(suffix) == "" {
		return baseKey
	}
	return fmt.Sprintf("%s:%s", baseKey, strings.TrimSpace(suffix))
}
