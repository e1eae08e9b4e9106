// Package adam is an acquisition core for industrial weighing and counting
// stations: it polls Advantech ADAM-6051 pulse counters over Modbus/TCP and
// serial-bridged scale indicators over raw TCP, validates and transforms
// every sample into a quality-tagged Reading, tracks per-device health, and
// batches usable readings into InfluxDB.
//
// Start wires the configured devices into pollers and returns a Service
// handle; collaborators consume readings and health events through bus
// subscriptions. Interactive template discovery for unknown scale protocols
// runs through StartDiscovery on a device that is not being polled.
package adam

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type options struct {
	log         *zap.Logger
	clk         clock.Clock
	registerer  prometheus.Registerer
	out         pointWriter
	templateDir string
}

// Option tunes Start.
type Option func(*options)

// WithLogger sets the root logger. The default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithClock injects the clock used for all polling, heartbeat, retry and
// flush scheduling. The default is the wall clock.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clk = c }
}

// WithMetrics registers the service metrics on reg. Without this option the
// metrics are still collected, just not registered anywhere.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithPointWriter substitutes the time-series backend. It overrides the
// writer section of the configuration, which then only controls batching.
func WithPointWriter(out pointWriter) Option {
	return func(o *options) { o.out = out }
}

// WithTemplateDir overrides the template directory from the configuration.
func WithTemplateDir(dir string) Option {
	return func(o *options) { o.templateDir = dir }
}

// Service is a running acquisition core. All exported methods are safe for
// concurrent use.
type Service struct {
	cfg     *Config
	log     *zap.Logger
	clk     clock.Clock
	metrics *Metrics
	repo    *TemplateRepository

	readings  *readingBus
	health    *healthBus
	latest    *latestCache
	latestSub *ReadingSubscription
	monitors  map[string]*healthMonitor

	influx    influxdb2.Client
	writerSub *ReadingSubscription

	pollCancel   context.CancelFunc
	pollGroup    *errgroup.Group
	writerCancel context.CancelFunc
	writerGroup  *errgroup.Group

	stopOnce sync.Once
	stopErr  error
}

// Start validates cfg, loads the template repository, builds one poller and
// one health monitor per configured device plus the time-series writer, and
// launches them. It returns after every device has published its initial
// health event. The returned Service keeps polling until Stop.
func Start(cfg *Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, ConfigErrorF("nil configuration")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.clk == nil {
		o.clk = clock.New()
	}
	dir := cfg.TemplateDir
	if o.templateDir != "" {
		dir = o.templateDir
	}

	metrics := NewMetrics(o.registerer)
	repo, err := NewTemplateRepository(dir, o.log)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		log:      o.log,
		clk:      o.clk,
		metrics:  metrics,
		repo:     repo,
		health:   newHealthBus(),
		latest:   newLatestCache(),
		monitors: make(map[string]*healthMonitor, len(cfg.Devices)),
	}
	s.readings = newReadingBus(func(n int) {
		metrics.ReadingsDropped.Add(float64(n))
	})

	// Construct everything before launching anything, so a failure here
	// needs no teardown beyond the influx client.
	out := o.out
	if out == nil && cfg.Writer.Enabled() {
		s.influx = influxdb2.NewClientWithOptions(cfg.Writer.URL, cfg.Writer.Token,
			influxdb2.DefaultOptions().SetPrecision(time.Millisecond))
		out = s.influx.WriteAPIBlocking(cfg.Writer.Org, cfg.Writer.Bucket)
	}

	pollers := make([]*devicePoller, 0, len(cfg.Devices))
	for i := range cfg.Devices {
		dev := &cfg.Devices[i]
		devLog := o.log.With(zap.String("device_id", dev.DeviceID))

		var (
			tr  Transport
			tpl *ProtocolTemplate
		)
		switch dev.Family {
		case FamilyScale:
			tpl, err = repo.Get(dev.TemplateID)
			if err != nil {
				s.closeInflux()
				return nil, ConfigErrorF("device %q: template %q: %v", dev.DeviceID, dev.TemplateID, err)
			}
			tr = newTCPTransport(dev.Address(), dev.Timeout(), newLineFramer(tpl.DelimiterBytes()), devLog)
		default:
			tr = newTCPTransport(dev.Address(), dev.Timeout(), mbapFramer{}, devLog)
		}

		mon := newHealthMonitor(dev, deviceProtocol(dev), cfg.HealthCheckInterval(), o.clk, s.health, devLog)
		s.monitors[dev.DeviceID] = mon

		pollers = append(pollers, newDevicePoller(dev, pollerDeps{
			cfg:         cfg,
			transport:   tr,
			template:    tpl,
			validator:   RangeValidator{},
			transformer: LinearTransformer{},
			clk:         o.clk,
			log:         devLog,
			metrics:     metrics,
			readings:    s.readings,
			health:      mon,
		}))
	}

	pollCtx, pollCancel := context.WithCancel(context.Background())
	s.pollCancel = pollCancel
	s.pollGroup, pollCtx = errgroup.WithContext(pollCtx)
	writerCtx, writerCancel := context.WithCancel(context.Background())
	s.writerCancel = writerCancel
	s.writerGroup, writerCtx = errgroup.WithContext(writerCtx)

	s.latestSub = s.readings.subscribe(defaultSubscriberBuffer)
	go s.latest.run(s.latestSub)

	if out != nil {
		s.writerSub = s.readings.subscribe(defaultSubscriberBuffer)
		w := newSeriesWriter(cfg.Writer, cfg.Devices, out, s.writerSub, o.clk, o.log, metrics)
		ctx := writerCtx
		s.writerGroup.Go(func() error { return w.run(ctx) })
	}

	for _, p := range pollers {
		p := p
		s.pollGroup.Go(func() error { return p.run(pollCtx) })
	}
	for _, m := range s.monitors {
		m := m
		s.pollGroup.Go(func() error { return m.run(pollCtx) })
	}
	for _, m := range s.monitors {
		m.publish()
	}

	o.log.Info("acquisition service started",
		zap.Int("devices", len(cfg.Devices)),
		zap.Bool("writer", out != nil),
		zap.Duration("poll_interval", cfg.PollInterval()))
	return s, nil
}

// deviceProtocol names the wire protocol for health and point tagging.
func deviceProtocol(dev *DeviceConfig) string {
	if dev.Family == FamilyScale {
		return dev.TemplateID
	}
	return "modbus_tcp"
}

// Stop drains the service: pollers first, then the reading bus closes so the
// writer consumes its backlog and runs the final flush, then the health bus
// and the backend client are released. The context bounds how long Stop
// waits; on expiry remaining workers are cancelled hard. Stop is idempotent
// and returns the aggregated teardown error.
func (s *Service) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		var errs error

		s.pollCancel()
		if err := waitGroup(ctx, s.pollGroup); err != nil {
			errs = multierr.Append(errs, err)
		}

		s.readings.close()
		if err := waitGroup(ctx, s.writerGroup); err != nil {
			if ctx.Err() != nil {
				s.writerCancel()
				<-groupDone(s.writerGroup)
			}
			errs = multierr.Append(errs, err)
		}
		s.writerCancel()

		s.health.close()
		s.closeInflux()
		s.log.Info("acquisition service stopped")
		s.stopErr = errs
	})
	return s.stopErr
}

func (s *Service) closeInflux() {
	if s.influx != nil {
		s.influx.Close()
	}
}

func waitGroup(ctx context.Context, g *errgroup.Group) error {
	select {
	case err := <-groupDone(g):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func groupDone(g *errgroup.Group) <-chan error {
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	return done
}

// SubscribeReadings returns a subscription receiving every emitted Reading.
// buffer <= 0 selects the default depth. A slow subscriber loses oldest
// readings first; the subscription counts its drops.
func (s *Service) SubscribeReadings(buffer int) *ReadingSubscription {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return s.readings.subscribe(buffer)
}

// SubscribeHealth returns a subscription receiving device health events.
// While the subscriber lags, events coalesce so it always observes the
// latest state per device.
func (s *Service) SubscribeHealth() *HealthSubscription {
	return s.health.subscribe(defaultSubscriberBuffer)
}

// LatestReading returns the most recent Reading for a channel, if any was
// emitted since Start.
func (s *Service) LatestReading(deviceID string, channel int) (Reading, bool) {
	return s.latest.get(deviceID, channel)
}

// Templates exposes the template repository.
func (s *Service) Templates() *TemplateRepository {
	return s.repo
}

// StartDiscovery opens an interactive discovery session against a scale that
// is not part of the polled set. The device spec needs host and port only;
// family and template are ignored. The caller must Close the session.
func (s *Service) StartDiscovery(dev DeviceConfig) (*DiscoverySession, error) {
	if _, polled := s.monitors[dev.DeviceID]; polled {
		return nil, ConfigErrorF("device %q is being polled; remove it from the configuration before discovery", dev.DeviceID)
	}
	return discoverySession(dev, s.cfg.Discovery, s.repo, s.clk, s.log)
}

// NewDiscovery opens a discovery session without a running service, for
// operator tooling. Accepted templates land in the repository under the
// configuration's template directory.
func NewDiscovery(cfg *Config, dev DeviceConfig, opts ...Option) (*DiscoverySession, error) {
	if cfg == nil {
		return nil, ConfigErrorF("nil configuration")
	}
	cfg.ApplyDefaults()
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.clk == nil {
		o.clk = clock.New()
	}
	dir := cfg.TemplateDir
	if o.templateDir != "" {
		dir = o.templateDir
	}
	repo, err := NewTemplateRepository(dir, o.log)
	if err != nil {
		return nil, err
	}
	return discoverySession(dev, cfg.Discovery, repo, o.clk, o.log)
}

func discoverySession(dev DeviceConfig, cfg DiscoveryConfig, repo *TemplateRepository, clk clock.Clock, log *zap.Logger) (*DiscoverySession, error) {
	dev.Family = FamilyScale
	dev.applyDefaults()
	if dev.Host == "" {
		return nil, ConfigErrorF("discovery device %q: host is required", dev.DeviceID)
	}
	tr := newTCPTransport(dev.Address(), dev.Timeout(), chunkFramer{max: discoveryChunkSize},
		log.With(zap.String("device_id", dev.DeviceID)))
	return newDiscoverySession(dev, cfg, repo, tr, clk, log), nil
}

// PollOnce reads every enabled channel of one configured device a single
// time, off the regular polling schedule, and returns the readings in
// channel order. It exercises the same transport, codec, validation and
// transformation path as the running poller.
func PollOnce(ctx context.Context, cfg *Config, deviceID string, opts ...Option) ([]Reading, error) {
	if cfg == nil {
		return nil, ConfigErrorF("nil configuration")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dev := cfg.Device(deviceID)
	if dev == nil {
		return nil, ConfigErrorF("device %q is not configured", deviceID)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.clk == nil {
		o.clk = clock.New()
	}
	dir := cfg.TemplateDir
	if o.templateDir != "" {
		dir = o.templateDir
	}

	var (
		tr  Transport
		tpl *ProtocolTemplate
	)
	if dev.Family == FamilyScale {
		repo, err := NewTemplateRepository(dir, o.log)
		if err != nil {
			return nil, err
		}
		tpl, err = repo.Get(dev.TemplateID)
		if err != nil {
			return nil, ConfigErrorF("device %q: template %q: %v", dev.DeviceID, dev.TemplateID, err)
		}
		tr = newTCPTransport(dev.Address(), dev.Timeout(), newLineFramer(tpl.DelimiterBytes()), o.log)
	} else {
		tr = newTCPTransport(dev.Address(), dev.Timeout(), mbapFramer{}, o.log)
	}
	defer tr.Close()

	bus := newReadingBus(nil)
	sub := bus.subscribe(len(dev.Channels) + 8)
	mon := newHealthMonitor(dev, deviceProtocol(dev), cfg.HealthCheckInterval(), o.clk, newHealthBus(), o.log)
	p := newDevicePoller(dev, pollerDeps{
		cfg:         cfg,
		transport:   tr,
		template:    tpl,
		validator:   RangeValidator{},
		transformer: LinearTransformer{},
		clk:         o.clk,
		log:         o.log,
		metrics:     NewMetrics(nil),
		readings:    bus,
		health:      mon,
	})
	p.cycle(ctx)
	bus.close()

	var out []Reading
	for r := range sub.C() {
		out = append(out, r)
	}
	sortReadingsByChannel(out)
	if len(out) == 0 && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return out, nil
}

func sortReadingsByChannel(rs []Reading) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Channel < rs[j].Channel })
}
