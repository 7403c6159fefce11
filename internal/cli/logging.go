package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"quotesync/internal/config"
	"quotesync/pkg/confkit"
	"quotesync/pkg/recorder"
)

// ConfigSummaryLines returns human readable lines describing the loaded app config.
func ConfigSummaryLines(cfg *config.Config) []string {
	if cfg == nil {
		return []string{"Configuration: <nil>"}
	}

	lines := []string{
		fmt.Sprintf("Service: %s (%s)", cfg.Name, cfg.Mode),
		fmt.Sprintf("Store: %s", cfg.Store),
		fmt.Sprintf("Postgres: %s", presence(cfg.Postgres.DSN != "")),
		fmt.Sprintf("Redis: %s", presence(strings.TrimSpace(cfg.Redis.Host) != "")),
		fmt.Sprintf("TTL (short/medium/long): %ds / %ds / %ds", cfg.TTL.Short, cfg.TTL.Medium, cfg.TTL.Long),
		sectionLine("Sync config", cfg.Sync),
	}
	if cfg.Store == config.StoreFile {
		lines = append(lines, fmt.Sprintf("Data dir: %s", cfg.DataDir))
	}
	if sync := cfg.Sync.Value; sync != nil {
		lines = append(lines, fmt.Sprintf("Adapters: %d, jobs: %s", len(sync.Adapters), strings.Join(sync.JobNames(), ", ")))
	}
	return lines
}

// LogConfigSummary emits the configuration summary using logx.
func LogConfigSummary(cfg *config.Config) {
	lines := ConfigSummaryLines(cfg)
	if len(lines) == 0 {
		return
	}
	logx.Info("configuration summary")
	for _, line := range lines {
		logx.Infof("config • %s", line)
	}
}

// RunSummaryLines renders a run summary with one line per entity that did not
// simply finish, so operators can spot failures at a glance.
func RunSummaryLines(s *recorder.Summary) []string {
	if s == nil {
		return []string{"Run: <nil>"}
	}
	written, skipped, dropped := s.Totals()
	lines := []string{
		fmt.Sprintf("Run %s job=%s provider=%s schema=%s level=%s", s.RunID, s.Job, s.Provider, s.Schema, s.Level),
		fmt.Sprintf("Entities: %d done, %d skipped, %d failed, %d interrupted",
			s.Count(recorder.StateDone), s.Count(recorder.StateSkipped), s.Count(recorder.StateFailed), s.Count(recorder.StateInterrupted)),
		fmt.Sprintf("Records: %d written, %d duplicates kept, %d dropped", written, skipped, dropped),
		fmt.Sprintf("Took: %s", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond)),
	}
	for _, o := range s.Failed() {
		lines = append(lines, fmt.Sprintf("  %s %s after %d attempts (watermark %s): %v",
			o.EntityID, o.State, o.Attempts, formatWatermark(o.WatermarkAfter), o.Err))
	}
	return lines
}

// LogRunSummary emits a run summary using logx.
func LogRunSummary(s *recorder.Summary) {
	for _, line := range RunSummaryLines(s) {
		if s != nil && !s.OK() {
			logx.Errorf("run • %s", line)
			continue
		}
		logx.Infof("run • %s", line)
	}
}

func formatWatermark(t time.Time) string {
	if t.IsZero() {
		return "none"
	}
	return t.UTC().Format(time.RFC3339)
}

func presence(ok bool) string {
	if ok {
		return "configured"
	}
	return "not configured"
}

func sectionLine[T any](name string, section confkit.Section[T]) string {
	switch {
	case strings.TrimSpace(section.File) != "":
		return fmt.Sprintf("%s: %s", name, section.File)
	case section.Value != nil:
		return fmt.Sprintf("%s: inline", name)
	default:
		return fmt.Sprintf("%s: not configured", name)
	}
}
