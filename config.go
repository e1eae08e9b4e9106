package adam

/*
This file contains the configuration schema for the acquisition core, the
YAML loader, the defaulting pass, and the validator.

Validation never stops at the first problem: Validate walks the whole tree and
returns a ConfigError enumerating every violation with its YAML field path, so
an operator can fix a config file in one edit instead of replaying startup
failures one field at a time.
*/

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DeviceFamily identifies which acquisition path a device uses.
type DeviceFamily uint8

const (
	// FamilyCounter polls pulse-counter registers over Modbus/TCP.
	FamilyCounter DeviceFamily = iota
	// FamilyScale reads delimited weight frames from a serial bridge socket.
	FamilyScale
)

func (f DeviceFamily) String() string {
	if f == FamilyScale {
		return "scale"
	}
	return "counter"
}

// UnmarshalYAML accepts "counter" and "scale"; an absent value means counter.
func (f *DeviceFamily) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch s {
	case "", "counter":
		*f = FamilyCounter
	case "scale":
		*f = FamilyScale
	default:
		return fmt.Errorf("unknown device family %q", s)
	}
	return nil
}

// WordOrder selects how multi-register counters are assembled.
type WordOrder uint8

const (
	// WordOrderBig places the most significant register first. This is the
	// ADAM-6051 factory behaviour and the default.
	WordOrderBig WordOrder = iota
	// WordOrderLittle reverses the register sequence (word swap), used by
	// some gateway firmwares.
	WordOrderLittle
)

func (w WordOrder) String() string {
	if w == WordOrderLittle {
		return "little"
	}
	return "big"
}

func (w *WordOrder) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch s {
	case "", "big":
		*w = WordOrderBig
	case "little":
		*w = WordOrderLittle
	default:
		return fmt.Errorf("unknown word order %q", s)
	}
	return nil
}

func (k *RegisterKind) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch s {
	case "", "holding":
		*k = HoldingRegister
	case "input":
		*k = InputRegister
	default:
		return fmt.Errorf("unknown register type %q", s)
	}
	return nil
}

// Config is the root configuration consumed by Start. Immutable after
// validation.
type Config struct {
	PollIntervalMillis        int    `yaml:"poll_interval_ms"`
	HealthCheckIntervalMillis int    `yaml:"health_check_interval_ms"`
	RateWindowMillis          int    `yaml:"rate_window_ms"`
	TemplateDir               string `yaml:"template_dir"`

	Devices   []DeviceConfig  `yaml:"devices"`
	Writer    WriterConfig    `yaml:"writer"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

// DeviceConfig describes one field device and its channels.
type DeviceConfig struct {
	DeviceID string       `yaml:"device_id"`
	Name     string       `yaml:"name"`
	Family   DeviceFamily `yaml:"family"`
	Host     string       `yaml:"host"`
	Port     int          `yaml:"port"`

	// UnitID is the Modbus unit identifier. Counter family only.
	UnitID int `yaml:"unit_id"`

	// TemplateID names the protocol template a scale device parses with.
	// Scale family only.
	TemplateID   string `yaml:"template_id"`
	Manufacturer string `yaml:"manufacturer"`
	Model        string `yaml:"model"`

	TimeoutMillis    int `yaml:"timeout_ms"`
	MaxRetryAttempts int `yaml:"max_retry_attempts"`
	RetryDelayMillis int `yaml:"retry_delay_ms"`

	Tags     map[string]any  `yaml:"tags"`
	Channels []ChannelConfig `yaml:"channels"`
}

// ChannelConfig describes one logical value produced by a device.
type ChannelConfig struct {
	Number int    `yaml:"channel_number"`
	Name   string `yaml:"name"`

	// Register addressing. Counter family only.
	StartRegister int          `yaml:"start_register"`
	RegisterCount int          `yaml:"register_count"`
	RegisterType  RegisterKind `yaml:"register_type"`
	WordOrder     WordOrder    `yaml:"word_order"`

	// TemplateField names the numeric template field this channel reads.
	// Scale family only; defaults to "weight".
	TemplateField string `yaml:"template_field"`

	ScaleFactor     *float64 `yaml:"scale_factor"`
	Offset          float64  `yaml:"offset"`
	Unit            string   `yaml:"unit"`
	DecimalPlaces   int      `yaml:"decimal_places"`
	MinValue        *float64 `yaml:"min_value"`
	MaxValue        *float64 `yaml:"max_value"`
	MaxRateOfChange *float64 `yaml:"max_rate_of_change"`

	Enabled *bool          `yaml:"enabled"`
	Tags    map[string]any `yaml:"tags"`
}

// WriterConfig configures the time-series writer. An empty URL disables the
// writer entirely; readings still reach subscribers.
type WriterConfig struct {
	URL    string `yaml:"url"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
	Token  string `yaml:"token"`

	BatchSize           int `yaml:"batch_size"`
	FlushIntervalMillis int `yaml:"flush_interval_ms"`
	FlushTimeoutMillis  int `yaml:"flush_timeout_ms"`
	MaxBufferedBatches  int `yaml:"max_buffered_batches"`
	BackoffBaseMillis   int `yaml:"backoff_base_ms"`
	BackoffCapMillis    int `yaml:"backoff_cap_ms"`
}

// DiscoveryConfig tunes the interactive template discovery session.
type DiscoveryConfig struct {
	BaselineWindowSeconds int     `yaml:"baseline_window_s"`
	StepWindowSeconds     int     `yaml:"step_window_s"`
	ConfidenceThreshold   float64 `yaml:"confidence_threshold"`
}

const (
	defaultPollIntervalMillis        = 5000
	defaultHealthCheckIntervalMillis = 30000
	defaultRateWindowMillis          = 60000
	defaultTemplateDir               = "templates"

	defaultCounterPort = 502
	defaultScalePort   = 4001

	defaultTimeoutMillis    = 3000
	defaultMaxRetryAttempts = 3
	defaultRetryDelayMillis = 1000
	defaultRegisterCount    = 2

	defaultBatchSize           = 100
	defaultFlushIntervalMillis = 5000
	defaultFlushTimeoutMillis  = 10000
	defaultMaxBufferedBatches  = 6
	defaultBackoffBaseMillis   = 500
	defaultBackoffCapMillis    = 30000

	defaultBaselineWindowSeconds = 10
	defaultStepWindowSeconds     = 10
	defaultConfidenceThreshold   = 85.0
)

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

func (c Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMillis) * time.Millisecond
}

func (c Config) RateWindow() time.Duration {
	return time.Duration(c.RateWindowMillis) * time.Millisecond
}

// Device returns the device with the given id, or nil.
func (c *Config) Device(id string) *DeviceConfig {
	for i := range c.Devices {
		if c.Devices[i].DeviceID == id {
			return &c.Devices[i]
		}
	}
	return nil
}

func (d DeviceConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutMillis) * time.Millisecond
}

func (d DeviceConfig) RetryDelay() time.Duration {
	return time.Duration(d.RetryDelayMillis) * time.Millisecond
}

// Address returns the host:port dial target.
func (d DeviceConfig) Address() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// Scale returns the channel's scale factor, 1.0 when unset.
func (ch ChannelConfig) Scale() float64 {
	if ch.ScaleFactor == nil {
		return 1.0
	}
	return *ch.ScaleFactor
}

// IsEnabled reports whether the channel participates in polling. Channels are
// enabled unless explicitly disabled.
func (ch ChannelConfig) IsEnabled() bool {
	return ch.Enabled == nil || *ch.Enabled
}

// CounterBits returns the width of the channel's counter in bits, derived
// from the register count.
func (ch ChannelConfig) CounterBits() uint {
	n := ch.RegisterCount
	if n < 1 {
		n = 1
	}
	if n > 4 {
		n = 4
	}
	return uint(16 * n)
}

func (w WriterConfig) Enabled() bool { return w.URL != "" }

func (w WriterConfig) FlushInterval() time.Duration {
	return time.Duration(w.FlushIntervalMillis) * time.Millisecond
}

func (w WriterConfig) FlushTimeout() time.Duration {
	return time.Duration(w.FlushTimeoutMillis) * time.Millisecond
}

func (w WriterConfig) BackoffBase() time.Duration {
	return time.Duration(w.BackoffBaseMillis) * time.Millisecond
}

func (w WriterConfig) BackoffCap() time.Duration {
	return time.Duration(w.BackoffCapMillis) * time.Millisecond
}

func (d DiscoveryConfig) BaselineWindow() time.Duration {
	return time.Duration(d.BaselineWindowSeconds) * time.Second
}

func (d DiscoveryConfig) StepWindow() time.Duration {
	return time.Duration(d.StepWindowSeconds) * time.Second
}

// LoadConfig reads, defaults and validates a YAML configuration file.
// Unknown keys are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ConfigErrorF("read config: %v", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfig decodes YAML bytes into a defaulted, validated Config.
func ParseConfig(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, ConfigErrorF("parse config: %v", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset field with its documented default. Called
// by ParseConfig before Validate; callers constructing a Config in code
// should do the same.
func (c *Config) ApplyDefaults() {
	if c.PollIntervalMillis == 0 {
		c.PollIntervalMillis = defaultPollIntervalMillis
	}
	if c.HealthCheckIntervalMillis == 0 {
		c.HealthCheckIntervalMillis = defaultHealthCheckIntervalMillis
	}
	if c.RateWindowMillis == 0 {
		c.RateWindowMillis = defaultRateWindowMillis
	}
	if c.TemplateDir == "" {
		c.TemplateDir = defaultTemplateDir
	}
	for i := range c.Devices {
		c.Devices[i].applyDefaults()
	}
	c.Writer.applyDefaults()
	c.Discovery.applyDefaults()
}

func (d *DeviceConfig) applyDefaults() {
	if d.Name == "" {
		d.Name = d.DeviceID
	}
	if d.Port == 0 {
		if d.Family == FamilyScale {
			d.Port = defaultScalePort
		} else {
			d.Port = defaultCounterPort
		}
	}
	if d.TimeoutMillis == 0 {
		d.TimeoutMillis = defaultTimeoutMillis
	}
	if d.MaxRetryAttempts == 0 {
		d.MaxRetryAttempts = defaultMaxRetryAttempts
	}
	if d.RetryDelayMillis == 0 {
		d.RetryDelayMillis = defaultRetryDelayMillis
	}
	for i := range d.Channels {
		d.Channels[i].applyDefaults(d.Family)
	}
}

func (ch *ChannelConfig) applyDefaults(family DeviceFamily) {
	if family == FamilyCounter && ch.RegisterCount == 0 {
		ch.RegisterCount = defaultRegisterCount
	}
	if family == FamilyScale && ch.TemplateField == "" {
		ch.TemplateField = "weight"
	}
}

func (w *WriterConfig) applyDefaults() {
	if w.BatchSize == 0 {
		w.BatchSize = defaultBatchSize
	}
	if w.FlushIntervalMillis == 0 {
		w.FlushIntervalMillis = defaultFlushIntervalMillis
	}
	if w.FlushTimeoutMillis == 0 {
		w.FlushTimeoutMillis = defaultFlushTimeoutMillis
	}
	if w.MaxBufferedBatches == 0 {
		w.MaxBufferedBatches = defaultMaxBufferedBatches
	}
	if w.BackoffBaseMillis == 0 {
		w.BackoffBaseMillis = defaultBackoffBaseMillis
	}
	if w.BackoffCapMillis == 0 {
		w.BackoffCapMillis = defaultBackoffCapMillis
	}
}

func (d *DiscoveryConfig) applyDefaults() {
	if d.BaselineWindowSeconds == 0 {
		d.BaselineWindowSeconds = defaultBaselineWindowSeconds
	}
	if d.StepWindowSeconds == 0 {
		d.StepWindowSeconds = defaultStepWindowSeconds
	}
	if d.ConfidenceThreshold == 0 {
		d.ConfidenceThreshold = defaultConfidenceThreshold
	}
}

// ConfigViolation is one rule breach found during validation.
type ConfigViolation struct {
	Path   string
	Reason string
}

func (v ConfigViolation) String() string {
	return v.Path + ": " + v.Reason
}

// ConfigError reports every violation found in one validation pass.
type ConfigError struct {
	Violations []ConfigViolation
}

func (e *ConfigError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration invalid, %d violation(s):", len(e.Violations))
	for _, v := range e.Violations {
		sb.WriteString("\n  ")
		sb.WriteString(v.String())
	}
	return sb.String()
}

type violationList struct {
	all []ConfigViolation
}

func (v *violationList) add(path, format string, args ...any) {
	v.all = append(v.all, ConfigViolation{Path: path, Reason: fmt.Sprintf(format, args...)})
}

func (v *violationList) err() error {
	if len(v.all) == 0 {
		return nil
	}
	return &ConfigError{Violations: v.all}
}

// Validate checks every bound and invariant of the configuration and returns
// a ConfigError listing all violations, or nil.
func (c *Config) Validate() error {
	v := &violationList{}

	checkRange(v, "poll_interval_ms", c.PollIntervalMillis, 1000, 60000)
	checkRange(v, "health_check_interval_ms", c.HealthCheckIntervalMillis, 5000, 300000)
	checkRange(v, "rate_window_ms", c.RateWindowMillis, 1000, 600000)

	seen := map[string]int{}
	for i := range c.Devices {
		d := &c.Devices[i]
		path := fmt.Sprintf("devices[%d]", i)
		if d.DeviceID == "" {
			v.add(path+".device_id", "required")
		} else if prev, dup := seen[d.DeviceID]; dup {
			v.add(path+".device_id", "duplicate of devices[%d]", prev)
		} else {
			seen[d.DeviceID] = i
		}
		d.validate(v, path)
	}

	c.Writer.validate(v)
	c.Discovery.validate(v)
	return v.err()
}

func (d *DeviceConfig) validate(v *violationList, path string) {
	if d.Host == "" {
		v.add(path+".host", "required")
	}
	checkRange(v, path+".port", d.Port, 1, 65535)
	checkRange(v, path+".timeout_ms", d.TimeoutMillis, 1000, 30000)
	checkRange(v, path+".max_retry_attempts", d.MaxRetryAttempts, 1, 10)
	checkRange(v, path+".retry_delay_ms", d.RetryDelayMillis, 100, 10000)

	switch d.Family {
	case FamilyCounter:
		checkRange(v, path+".unit_id", d.UnitID, 0, 255)
		if d.TemplateID != "" {
			v.add(path+".template_id", "not applicable to counter family")
		}
	case FamilyScale:
		if d.TemplateID == "" {
			v.add(path+".template_id", "required for scale family")
		}
	}

	checkMetadata(v, path+".tags", d.Tags)

	if len(d.Channels) == 0 {
		v.add(path+".channels", "at least one channel required")
	}
	nums := map[int]int{}
	for i := range d.Channels {
		ch := &d.Channels[i]
		cpath := fmt.Sprintf("%s.channels[%d]", path, i)
		if prev, dup := nums[ch.Number]; dup {
			v.add(cpath+".channel_number", "duplicate of channels[%d]", prev)
		} else {
			nums[ch.Number] = i
		}
		ch.validate(v, cpath, d.Family)
	}
}

func (ch *ChannelConfig) validate(v *violationList, path string, family DeviceFamily) {
	checkRange(v, path+".channel_number", ch.Number, 0, 255)
	if ch.Name == "" {
		v.add(path+".name", "required")
	} else if len(ch.Name) > 100 {
		v.add(path+".name", "longer than 100 characters")
	}

	switch family {
	case FamilyCounter:
		checkRange(v, path+".start_register", ch.StartRegister, 0, 65535)
		checkRange(v, path+".register_count", ch.RegisterCount, 1, 4)
		if ch.StartRegister >= 0 && ch.StartRegister+ch.RegisterCount > 65536 {
			v.add(path+".start_register", "start_register + register_count exceeds address space")
		}
	case FamilyScale:
		if ch.StartRegister != 0 || ch.RegisterCount != 0 {
			v.add(path+".start_register", "register addressing not applicable to scale family")
		}
	}

	if ch.ScaleFactor != nil && *ch.ScaleFactor == 0 {
		v.add(path+".scale_factor", "must be non-zero (omit for 1.0)")
	}
	checkRange(v, path+".decimal_places", ch.DecimalPlaces, 0, 10)
	if ch.MinValue != nil && ch.MaxValue != nil && *ch.MinValue > *ch.MaxValue {
		v.add(path+".min_value", "min_value %v exceeds max_value %v", *ch.MinValue, *ch.MaxValue)
	}
	if ch.MaxRateOfChange != nil && *ch.MaxRateOfChange <= 0 {
		v.add(path+".max_rate_of_change", "must be positive")
	}
	checkMetadata(v, path+".tags", ch.Tags)
}

func (w *WriterConfig) validate(v *violationList) {
	if !w.Enabled() {
		return
	}
	if w.Org == "" {
		v.add("writer.org", "required when writer.url is set")
	}
	if w.Bucket == "" {
		v.add("writer.bucket", "required when writer.url is set")
	}
	checkRange(v, "writer.batch_size", w.BatchSize, 1, 10000)
	checkRange(v, "writer.flush_interval_ms", w.FlushIntervalMillis, 100, 60000)
	checkRange(v, "writer.flush_timeout_ms", w.FlushTimeoutMillis, 1000, 60000)
	checkRange(v, "writer.max_buffered_batches", w.MaxBufferedBatches, 1, 1000)
	checkRange(v, "writer.backoff_base_ms", w.BackoffBaseMillis, 100, w.BackoffCapMillis)
	checkRange(v, "writer.backoff_cap_ms", w.BackoffCapMillis, w.BackoffBaseMillis, 300000)
}

func (d *DiscoveryConfig) validate(v *violationList) {
	checkRange(v, "discovery.baseline_window_s", d.BaselineWindowSeconds, 1, 120)
	checkRange(v, "discovery.step_window_s", d.StepWindowSeconds, 1, 120)
	if d.ConfidenceThreshold < 0 || d.ConfidenceThreshold > 100 {
		v.add("discovery.confidence_threshold", "%v outside [0, 100]", d.ConfidenceThreshold)
	}
}

func checkRange(v *violationList, path string, value, min, max int) {
	if value < min || value > max {
		v.add(path, "%d outside [%d, %d]", value, min, max)
	}
}

// checkMetadata enforces the closed metadata type set: strings become
// time-series tags, bool/int/float become fields, everything else is a
// configuration error.
func checkMetadata(v *violationList, path string, meta map[string]any) {
	_, _, bad := splitMetadata(meta)
	for _, k := range bad {
		v.add(fmt.Sprintf("%s.%s", path, k), "value must be a string, bool, integer or float")
	}
}

// splitMetadata partitions user metadata by value type: strings to the tag
// set, bool/int/float to the field set (integers normalised to int64). Keys
// with any other value type are reported in bad, sorted.
func splitMetadata(meta map[string]any) (tags map[string]string, fields map[string]any, bad []string) {
	if len(meta) == 0 {
		return nil, nil, nil
	}
	tags = map[string]string{}
	fields = map[string]any{}
	for k, raw := range meta {
		switch val := raw.(type) {
		case string:
			tags[k] = val
		case bool:
			fields[k] = val
		case int:
			fields[k] = int64(val)
		case int64:
			fields[k] = val
		case uint64:
			fields[k] = int64(val)
		case float64:
			fields[k] = val
		default:
			bad = append(bad, k)
		}
	}
	sort.Strings(bad)
	return tags, fields, bad
}
