package adam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
devices:
  - device_id: line1_counter
    host: 10.0.0.5
    channels:
      - channel_number: 0
        name: good_count
`

func TestParseConfigAppliesDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.PollIntervalMillis)
	assert.Equal(t, 30000, cfg.HealthCheckIntervalMillis)
	assert.Equal(t, 60000, cfg.RateWindowMillis)
	assert.Equal(t, "templates", cfg.TemplateDir)

	require.Len(t, cfg.Devices, 1)
	d := cfg.Devices[0]
	assert.Equal(t, "line1_counter", d.Name, "name falls back to device id")
	assert.Equal(t, FamilyCounter, d.Family)
	assert.Equal(t, 502, d.Port)
	assert.Equal(t, "10.0.0.5:502", d.Address())
	assert.Equal(t, 3000, d.TimeoutMillis)
	assert.Equal(t, 3, d.MaxRetryAttempts)
	assert.Equal(t, 1000, d.RetryDelayMillis)

	require.Len(t, d.Channels, 1)
	ch := d.Channels[0]
	assert.Equal(t, 2, ch.RegisterCount)
	assert.Equal(t, HoldingRegister, ch.RegisterType)
	assert.Equal(t, WordOrderBig, ch.WordOrder)
	assert.True(t, ch.IsEnabled())
	assert.Equal(t, 1.0, ch.Scale())
	assert.Equal(t, uint(32), ch.CounterBits())

	assert.Equal(t, 100, cfg.Writer.BatchSize)
	assert.Equal(t, 5000, cfg.Writer.FlushIntervalMillis)
	assert.Equal(t, 10000, cfg.Writer.FlushTimeoutMillis)
	assert.Equal(t, 6, cfg.Writer.MaxBufferedBatches)
	assert.False(t, cfg.Writer.Enabled())

	assert.Equal(t, 10, cfg.Discovery.BaselineWindowSeconds)
	assert.Equal(t, 10, cfg.Discovery.StepWindowSeconds)
	assert.Equal(t, 85.0, cfg.Discovery.ConfidenceThreshold)

	assert.NotNil(t, cfg.Device("line1_counter"))
	assert.Nil(t, cfg.Device("nope"))
}

func TestParseConfigScaleDevice(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
devices:
  - device_id: scale1
    family: scale
    host: 10.0.0.9
    template_id: mettler_ind231
    manufacturer: Mettler Toledo
    channels:
      - channel_number: 0
        name: net_weight
        enabled: false
`))
	require.NoError(t, err)
	d := cfg.Devices[0]
	assert.Equal(t, FamilyScale, d.Family)
	assert.Equal(t, 4001, d.Port)
	assert.Equal(t, "weight", d.Channels[0].TemplateField)
	assert.False(t, d.Channels[0].IsEnabled())
}

func TestParseConfigChannelOverrides(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
devices:
  - device_id: c1
    host: h
    channels:
      - channel_number: 3
        name: count
        start_register: 16
        register_count: 1
        register_type: input
        word_order: little
        scale_factor: 0.5
        offset: -2
        unit: pieces
        min_value: 0
        max_value: 1000
        max_rate_of_change: 50
        tags:
          line: "7"
`))
	require.NoError(t, err)
	ch := cfg.Devices[0].Channels[0]
	assert.Equal(t, InputRegister, ch.RegisterType)
	assert.Equal(t, WordOrderLittle, ch.WordOrder)
	assert.Equal(t, 0.5, ch.Scale())
	assert.Equal(t, -2.0, ch.Offset)
	assert.Equal(t, uint(16), ch.CounterBits())
	require.NotNil(t, ch.MaxRateOfChange)
	assert.Equal(t, 50.0, *ch.MaxRateOfChange)
}

func TestParseConfigRejectsUnknownKeys(t *testing.T) {
	_, err := ParseConfig([]byte("devices:\n  - device_id: x\n    hostt: typo\n"))
	require.Error(t, err)
	assert.Equal(t, CategoryConfig, CategoryOf(err))
}

func TestParseConfigRejectsBadEnums(t *testing.T) {
	for _, doc := range []string{
		"devices:\n  - device_id: x\n    host: h\n    family: blender\n",
		"devices:\n  - device_id: x\n    host: h\n    channels:\n      - name: c\n        word_order: middle\n",
		"devices:\n  - device_id: x\n    host: h\n    channels:\n      - name: c\n        register_type: coil\n",
	} {
		_, err := ParseConfig([]byte(doc))
		require.Error(t, err, doc)
	}
}

func violationPaths(t *testing.T, err error) []string {
	t.Helper()
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	paths := make([]string, 0, len(ce.Violations))
	for _, v := range ce.Violations {
		paths = append(paths, v.Path)
	}
	return paths
}

func TestValidateEnumeratesEveryViolation(t *testing.T) {
	_, err := ParseConfig([]byte(`
poll_interval_ms: 500
devices:
  - device_id: dev
    template_id: not_for_counters
    timeout_ms: 100
    channels:
      - channel_number: 1
        scale_factor: 0
        min_value: 10
        max_value: 5
        max_rate_of_change: -1
      - channel_number: 1
        name: dup
  - device_id: dev
    host: h
    channels:
      - channel_number: 0
        name: ok
writer:
  url: http://influx:8086
  batch_size: 20000
discovery:
  confidence_threshold: 150
`))
	require.Error(t, err)
	paths := violationPaths(t, err)

	for _, want := range []string{
		"poll_interval_ms",
		"devices[0].host",
		"devices[0].template_id",
		"devices[0].timeout_ms",
		"devices[0].channels[0].name",
		"devices[0].channels[0].scale_factor",
		"devices[0].channels[0].min_value",
		"devices[0].channels[0].max_rate_of_change",
		"devices[0].channels[1].channel_number",
		"devices[1].device_id",
		"writer.org",
		"writer.bucket",
		"writer.batch_size",
		"discovery.confidence_threshold",
	} {
		assert.Contains(t, paths, want)
	}
	assert.Contains(t, err.Error(), "violation(s)")
}

func TestValidateRegisterAddressing(t *testing.T) {
	_, err := ParseConfig([]byte(`
devices:
  - device_id: c
    host: h
    channels:
      - channel_number: 0
        name: wide
        start_register: 65535
        register_count: 2
`))
	require.Error(t, err)
	assert.Contains(t, violationPaths(t, err), "devices[0].channels[0].start_register")

	// Scale channels carry no register addressing at all.
	_, err = ParseConfig([]byte(`
devices:
  - device_id: s
    family: scale
    host: h
    template_id: tpl
    channels:
      - channel_number: 0
        name: w
        start_register: 4
`))
	require.Error(t, err)
	assert.Contains(t, violationPaths(t, err), "devices[0].channels[0].start_register")
}

func TestValidateScaleRequiresTemplate(t *testing.T) {
	_, err := ParseConfig([]byte(`
devices:
  - device_id: s
    family: scale
    host: h
    channels:
      - channel_number: 0
        name: w
`))
	require.Error(t, err)
	assert.Contains(t, violationPaths(t, err), "devices[0].template_id")
}

func TestValidateMetadataTypes(t *testing.T) {
	_, err := ParseConfig([]byte(`
devices:
  - device_id: c
    host: h
    tags:
      zone: [1, 2]
    channels:
      - channel_number: 0
        name: n
        tags:
          nested: {a: 1}
`))
	require.Error(t, err)
	paths := violationPaths(t, err)
	assert.Contains(t, paths, "devices[0].tags.zone")
	assert.Contains(t, paths, "devices[0].channels[0].tags.nested")
}

func TestSplitMetadataPartitionsByType(t *testing.T) {
	tags, fields, bad := splitMetadata(map[string]any{
		"site":   "plant-a",
		"active": true,
		"line":   3,
		"ratio":  2.5,
		"wide":   int64(9),
		"uns":    uint64(7),
		"bad_b":  []any{1},
		"bad_a":  map[string]any{},
	})
	assert.Equal(t, map[string]string{"site": "plant-a"}, tags)
	assert.Equal(t, map[string]any{
		"active": true,
		"line":   int64(3),
		"ratio":  2.5,
		"wide":   int64(9),
		"uns":    int64(7),
	}, fields)
	assert.Equal(t, []string{"bad_a", "bad_b"}, bad)

	tags, fields, bad = splitMetadata(nil)
	assert.Nil(t, tags)
	assert.Nil(t, fields)
	assert.Nil(t, bad)
}

func TestYAMLMetadataArrivesTyped(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
devices:
  - device_id: c
    host: h
    tags:
      building: "B"
      floor: 3
      wet: true
      factor: 1.5
    channels:
      - channel_number: 0
        name: n
`))
	require.NoError(t, err)
	tags, fields, bad := splitMetadata(cfg.Devices[0].Tags)
	assert.Empty(t, bad)
	assert.Equal(t, map[string]string{"building": "B"}, tags)
	assert.Equal(t, map[string]any{"floor": int64(3), "wet": true, "factor": 1.5}, fields)
}

func TestChannelRequired(t *testing.T) {
	_, err := ParseConfig([]byte("devices:\n  - device_id: c\n    host: h\n"))
	require.Error(t, err)
	assert.Contains(t, violationPaths(t, err), "devices[0].channels")
}
