package recorder

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"quotesync/pkg/confkit"
)

// Config describes the provider adapters and the sync jobs run against them.
type Config struct {
	// Timezone is the default trading calendar for jobs that do not set one.
	Timezone string                    `yaml:"timezone"`
	Adapters map[string]*AdapterConfig `yaml:"adapters"`
	Jobs     map[string]*JobConfig     `yaml:"jobs"`
}

// AdapterConfig configures one provider adapter instance.
type AdapterConfig struct {
	Type string `yaml:"type"`

	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	APIKey   string `yaml:"api_key"`
	Dir      string `yaml:"dir"`

	TimeoutRaw     string        `yaml:"timeout"`
	Timeout        time.Duration `yaml:"-"`
	HTTPTimeoutRaw string        `yaml:"http_timeout"`
	HTTPTimeout    time.Duration `yaml:"-"`
	MaxRetries     int           `yaml:"max_retries"`

	FlatFiles FlatFilesConfig `yaml:"flat_files"`
}

// FlatFilesConfig points at an S3-compatible bucket of daily aggregate files.
type FlatFilesConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// EntityConfig seeds a static catalog from configuration.
type EntityConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	ListDate string `yaml:"list_date"`
	Category string `yaml:"category"`
}

// JobConfig is the yaml form of a RunConfig plus scheduling options.
type JobConfig struct {
	Adapter string `yaml:"adapter"`
	Schema  string `yaml:"schema"`
	Level   string `yaml:"level"`

	EntityType string   `yaml:"entity_type"`
	Exchanges  []string `yaml:"exchanges"`
	Codes      []string `yaml:"codes"`
	EntityIDs  []string `yaml:"entity_ids"`

	ForceUpdate       bool   `yaml:"force_update"`
	RealTime          bool   `yaml:"real_time"`
	DuplicatePolicy   string `yaml:"duplicate_policy"`
	SleepIntervalRaw  string `yaml:"sleep_interval"`
	DefaultSize       int    `yaml:"default_size"`
	StartTimestampRaw string `yaml:"start_timestamp"`
	EndTimestampRaw   string `yaml:"end_timestamp"`
	CloseHour         int    `yaml:"close_hour"`
	CloseMinute       int    `yaml:"close_minute"`
	Timezone          string `yaml:"timezone"`

	Parallelism     int    `yaml:"parallelism"`
	MaxRetries      *int   `yaml:"max_retries"`
	FetchTimeoutRaw string `yaml:"fetch_timeout"`

	// Schedule is a cron spec with a seconds field; empty jobs only run on demand.
	Schedule string `yaml:"schedule"`
	// Discover refreshes the catalog from the adapter before each run.
	Discover bool           `yaml:"discover"`
	Entities []EntityConfig `yaml:"entities"`

	run RunConfig
}

// AdapterBuilder constructs a FetchAdapter from configuration.
type AdapterBuilder func(name string, cfg *AdapterConfig) (FetchAdapter, error)

var (
	adapterRegistry   = make(map[string]AdapterBuilder)
	adapterRegistryMu sync.RWMutex
)

// RegisterAdapter registers an adapter constructor under a type name.
func RegisterAdapter(typeName string, builder AdapterBuilder) {
	adapterRegistryMu.Lock()
	defer adapterRegistryMu.Unlock()
	adapterRegistry[strings.ToLower(strings.TrimSpace(typeName))] = builder
}

func lookupAdapterBuilder(typeName string) (AdapterBuilder, bool) {
	adapterRegistryMu.RLock()
	defer adapterRegistryMu.RUnlock()
	builder, ok := adapterRegistry[strings.ToLower(strings.TrimSpace(typeName))]
	return builder, ok
}

// LoadConfig reads configuration from disk.
func LoadConfig(path string) (*Config, error) {
	confkit.LoadDotenvOnce()
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sync config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// MustLoad reads sync configuration from the default project location and panics on error.
func MustLoad() *Config {
	cfg, err := LoadConfig(confkit.MustProjectPath("etc/sync.yaml"))
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfigFromReader constructs a Config from an io.Reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	confkit.LoadDotenvOnce()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read sync config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal sync config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalise() error {
	if c.Adapters == nil {
		c.Adapters = make(map[string]*AdapterConfig)
	}
	if c.Jobs == nil {
		c.Jobs = make(map[string]*JobConfig)
	}
	c.Timezone = strings.TrimSpace(os.ExpandEnv(c.Timezone))
	for name, adapter := range c.Adapters {
		if adapter == nil {
			adapter = &AdapterConfig{}
			c.Adapters[name] = adapter
		}
		adapter.expandEnv()
		if err := adapter.parseDurations(name); err != nil {
			return err
		}
	}
	for name, job := range c.Jobs {
		if job == nil {
			return fmt.Errorf("sync job %s: empty definition", name)
		}
		if err := job.compile(name, c.Timezone); err != nil {
			return err
		}
	}
	return nil
}

func (a *AdapterConfig) expandEnv() {
	a.Type = strings.TrimSpace(os.ExpandEnv(a.Type))
	a.BaseURL = strings.TrimSpace(os.ExpandEnv(a.BaseURL))
	a.Username = strings.TrimSpace(os.ExpandEnv(a.Username))
	a.Password = os.ExpandEnv(a.Password)
	a.APIKey = strings.TrimSpace(os.ExpandEnv(a.APIKey))
	a.Dir = strings.TrimSpace(os.ExpandEnv(a.Dir))
	a.TimeoutRaw = strings.TrimSpace(os.ExpandEnv(a.TimeoutRaw))
	a.HTTPTimeoutRaw = strings.TrimSpace(os.ExpandEnv(a.HTTPTimeoutRaw))
	a.FlatFiles.Endpoint = strings.TrimSpace(os.ExpandEnv(a.FlatFiles.Endpoint))
	a.FlatFiles.Bucket = strings.TrimSpace(os.ExpandEnv(a.FlatFiles.Bucket))
	a.FlatFiles.Prefix = strings.TrimSpace(os.ExpandEnv(a.FlatFiles.Prefix))
	a.FlatFiles.AccessKeyID = strings.TrimSpace(os.ExpandEnv(a.FlatFiles.AccessKeyID))
	a.FlatFiles.SecretAccessKey = strings.TrimSpace(os.ExpandEnv(a.FlatFiles.SecretAccessKey))
}

func (a *AdapterConfig) parseDurations(name string) error {
	var err error
	if a.Timeout, err = parsePositiveDuration(a.TimeoutRaw); err != nil {
		return fmt.Errorf("sync adapter %s: invalid timeout %q: %w", name, a.TimeoutRaw, err)
	}
	if a.HTTPTimeout, err = parsePositiveDuration(a.HTTPTimeoutRaw); err != nil {
		return fmt.Errorf("sync adapter %s: invalid http_timeout %q: %w", name, a.HTTPTimeoutRaw, err)
	}
	return nil
}

func (j *JobConfig) compile(name, defaultTZ string) error {
	run := RunConfig{
		Job:         name,
		Provider:    strings.TrimSpace(j.Adapter),
		ForceUpdate: j.ForceUpdate,
		RealTime:    j.RealTime,
		DefaultSize: j.DefaultSize,
		CloseHour:   j.CloseHour,
		CloseMinute: j.CloseMinute,
		Parallelism: j.Parallelism,
		MaxRetries:  defaultMaxRetries,
		Filter: Filter{
			EntityType: strings.ToLower(strings.TrimSpace(j.EntityType)),
			Exchanges:  j.Exchanges,
			Codes:      j.Codes,
			EntityIDs:  j.EntityIDs,
		},
	}
	if j.MaxRetries != nil {
		run.MaxRetries = *j.MaxRetries
	}

	schemaName := j.Schema
	if strings.TrimSpace(schemaName) == "" {
		schemaName = KdataSchema.Name
	}
	schema, err := LookupSchema(schemaName)
	if err != nil {
		return fmt.Errorf("sync job %s: %w", name, err)
	}
	run.Schema = schema

	levelName := j.Level
	if strings.TrimSpace(levelName) == "" {
		levelName = string(Level1Day)
	}
	if run.Level, err = ParseLevel(levelName); err != nil {
		return fmt.Errorf("sync job %s: %w", name, err)
	}
	if run.DuplicatePolicy, err = ParseDuplicatePolicy(j.DuplicatePolicy); err != nil {
		return fmt.Errorf("sync job %s: %w", name, err)
	}

	tz := strings.TrimSpace(os.ExpandEnv(j.Timezone))
	if tz == "" {
		tz = defaultTZ
	}
	run.Location = time.UTC
	if tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("sync job %s: invalid timezone %q: %w", name, tz, err)
		}
		run.Location = loc
	}

	if run.SleepInterval, err = parseDuration(os.ExpandEnv(j.SleepIntervalRaw)); err != nil {
		return fmt.Errorf("sync job %s: invalid sleep_interval %q: %w", name, j.SleepIntervalRaw, err)
	}
	if run.FetchTimeout, err = parsePositiveDuration(os.ExpandEnv(j.FetchTimeoutRaw)); err != nil {
		return fmt.Errorf("sync job %s: invalid fetch_timeout %q: %w", name, j.FetchTimeoutRaw, err)
	}
	if run.StartTimestamp, err = ParseTimestamp(os.ExpandEnv(j.StartTimestampRaw), run.Location); err != nil {
		return fmt.Errorf("sync job %s: invalid start_timestamp: %w", name, err)
	}
	if run.EndTimestamp, err = ParseTimestamp(os.ExpandEnv(j.EndTimestampRaw), run.Location); err != nil {
		return fmt.Errorf("sync job %s: invalid end_timestamp: %w", name, err)
	}
	j.Schedule = strings.TrimSpace(j.Schedule)
	j.run = run
	return nil
}

// RunConfig returns the immutable run description compiled from yaml.
func (j *JobConfig) RunConfig() RunConfig { return j.run }

// StaticEntities converts the configured seed entities.
func (j *JobConfig) StaticEntities() ([]Entity, error) {
	out := make([]Entity, 0, len(j.Entities))
	for _, ec := range j.Entities {
		t, ex, code, err := ParseEntityID(ec.ID)
		if err != nil {
			return nil, err
		}
		e := NewEntity(t, ex, code, ec.Name)
		e.Category = ec.Category
		if e.ListDate, err = ParseTimestamp(ec.ListDate, j.run.Location); err != nil {
			return nil, fmt.Errorf("entity %s: list_date: %w", ec.ID, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Validate ensures the configuration is structurally sound.
func (c *Config) Validate() error {
	if len(c.Adapters) == 0 {
		return fmt.Errorf("sync config: adapters cannot be empty")
	}
	for name, adapter := range c.Adapters {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("sync config: adapter name cannot be empty")
		}
		if strings.TrimSpace(adapter.Type) == "" {
			return fmt.Errorf("sync config: adapter %s must specify type", name)
		}
		if _, ok := lookupAdapterBuilder(adapter.Type); !ok {
			return fmt.Errorf("sync config: adapter %s has unsupported type %q", name, adapter.Type)
		}
	}
	for name, job := range c.Jobs {
		if _, ok := c.Adapters[job.Adapter]; !ok {
			return fmt.Errorf("sync config: job %s references unknown adapter %q", name, job.Adapter)
		}
		if err := job.run.withDefaults().Validate(); err != nil {
			return fmt.Errorf("sync config: job %s: %w", name, err)
		}
	}
	return nil
}

// JobNames returns job names in a stable order.
func (c *Config) JobNames() []string {
	names := make([]string, 0, len(c.Jobs))
	for name := range c.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildAdapters instantiates every configured adapter.
func (c *Config) BuildAdapters() (map[string]FetchAdapter, error) {
	result := make(map[string]FetchAdapter, len(c.Adapters))
	for name, adapterCfg := range c.Adapters {
		builder, ok := lookupAdapterBuilder(adapterCfg.Type)
		if !ok {
			return nil, fmt.Errorf("sync adapter %s: unsupported type %q", name, adapterCfg.Type)
		}
		adapter, err := builder(name, adapterCfg)
		if err != nil {
			return nil, fmt.Errorf("sync adapter %s: %w", name, err)
		}
		result[name] = adapter
	}
	return result, nil
}

// ParseTimestamp accepts a date or an RFC3339 timestamp; empty input yields the zero time.
func ParseTimestamp(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	return parseTime(raw, loc)
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative, got %s", d)
	}
	return d, nil
}

func parsePositiveDuration(raw string) (time.Duration, error) {
	d, err := parseDuration(raw)
	if err != nil {
		return 0, err
	}
	if strings.TrimSpace(raw) != "" && d == 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}
