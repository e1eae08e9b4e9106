package adam

/*
This file contains the per-device poller: the supervised loop that connects,
reads every enabled channel each tick, runs the pipeline steps, and publishes
exactly one Reading per enabled channel per tick whether the read worked or
not.

Tick scheduling is wall-clock anchored through the injected clock's ticker:
a cycle that overruns the interval causes later ticks to be skipped, never
queued. Retries for Timeout and Transport failures share one per-tick budget
across channels; Protocol failures are not retried inside a tick because a
better frame will not arrive by asking again sooner.
*/

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// maxRetryDelay caps the in-tick exponential retry delay.
const maxRetryDelay = 10 * time.Second

// pollerDeps bundles what a device poller needs from the service.
type pollerDeps struct {
	cfg         *Config
	transport   Transport
	template    *ProtocolTemplate // scale family only
	validator   Validator
	transformer Transformer
	clk         clock.Clock
	log         *zap.Logger
	metrics     *Metrics
	readings    *readingBus
	health      *healthMonitor
}

type devicePoller struct {
	pollerDeps
	dev   *DeviceConfig
	scale *scaleReader

	enabled  []*ChannelConfig
	disabled map[int]bool
	trackers map[int]*RateTracker
	meta     map[int]channelMeta
	txid     uint16
}

func newDevicePoller(dev *DeviceConfig, deps pollerDeps) *devicePoller {
	p := &devicePoller{
		pollerDeps: deps,
		dev:        dev,
		disabled:   map[int]bool{},
		trackers:   map[int]*RateTracker{},
		meta:       map[int]channelMeta{},
	}
	for i := range dev.Channels {
		ch := &dev.Channels[i]
		if !ch.IsEnabled() {
			continue
		}
		p.enabled = append(p.enabled, ch)
		p.meta[ch.Number] = buildChannelMeta(dev, ch)
		bits := uint(0)
		if dev.Family == FamilyCounter {
			bits = ch.CounterBits()
		}
		p.trackers[ch.Number] = newRateTracker(deps.cfg.RateWindow(), bits)
	}
	if dev.Family == FamilyScale {
		p.scale = newScaleReader(deps.transport, deps.template, deps.log)
	}
	return p
}

// run polls until the context ends, then releases the transport. The first
// cycle starts immediately; later cycles follow the anchored ticker.
func (p *devicePoller) run(ctx context.Context) error {
	defer p.transport.Close()
	p.log.Info("poller started",
		zap.String("device_id", p.dev.DeviceID),
		zap.String("family", p.dev.Family.String()),
		zap.Int("channels", len(p.enabled)))

	t := p.clk.Ticker(p.cfg.PollInterval())
	defer t.Stop()

	p.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller stopped", zap.String("device_id", p.dev.DeviceID))
			return nil
		case <-t.C:
			p.cycle(ctx)
		}
	}
}

func (p *devicePoller) cycle(ctx context.Context) {
	tickTS := p.clk.Now()
	budget := p.dev.MaxRetryAttempts

	if !p.transport.Connected() {
		if err := p.transport.Connect(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			p.metrics.DeviceUp.WithLabelValues(p.dev.DeviceID).Set(0)
			p.health.reportConnected(false)
			p.failCycle(tickTS, err)
			return
		}
	}
	p.metrics.DeviceUp.WithLabelValues(p.dev.DeviceID).Set(1)
	p.health.reportConnected(true)

	switch p.dev.Family {
	case FamilyScale:
		p.cycleScale(ctx, tickTS, &budget)
	default:
		p.cycleCounter(ctx, tickTS, &budget)
	}
}

func (p *devicePoller) cycleCounter(ctx context.Context, tickTS time.Time, budget *int) {
	for _, ch := range p.enabled {
		if ctx.Err() != nil || p.disabled[ch.Number] {
			continue
		}
		start := p.clk.Now()
		var words []uint16
		err := p.withRetry(ctx, budget, ch.Number, func() error {
			var e error
			words, e = p.readRegisters(ctx, ch)
			return e
		})
		latency := p.clk.Now().Sub(start)
		p.metrics.ReadsTotal.WithLabelValues(p.dev.DeviceID).Inc()

		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			p.emitFailure(tickTS, ch, err, latency)
			continue
		}
		p.metrics.ReadLatency.WithLabelValues(p.dev.DeviceID).Observe(latency.Seconds())
		p.health.reportSuccess(latency)
		p.emit(p.buildCounterReading(tickTS, ch, words, latency))
	}
}

func (p *devicePoller) cycleScale(ctx context.Context, tickTS time.Time, budget *int) {
	start := p.clk.Now()
	var values map[string]FieldValue
	err := p.withRetry(ctx, budget, -1, func() error {
		var e error
		values, e = p.scale.capture(ctx)
		return e
	})
	latency := p.clk.Now().Sub(start)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		p.metrics.ReadsTotal.WithLabelValues(p.dev.DeviceID).Inc()
		p.failCycle(tickTS, err)
		return
	}

	for _, ch := range p.enabled {
		if ctx.Err() != nil || p.disabled[ch.Number] {
			continue
		}
		p.metrics.ReadsTotal.WithLabelValues(p.dev.DeviceID).Inc()
		p.metrics.ReadLatency.WithLabelValues(p.dev.DeviceID).Observe(latency.Seconds())
		p.health.reportSuccess(latency)
		p.emit(p.buildScaleReading(tickTS, ch, values, latency))
	}
}

// failCycle emits one failure reading per enabled channel when the whole
// cycle failed (connect failure, scale frame failure).
func (p *devicePoller) failCycle(tickTS time.Time, err error) {
	for _, ch := range p.enabled {
		if p.disabled[ch.Number] {
			continue
		}
		p.emitFailure(tickTS, ch, err, 0)
	}
}

func (p *devicePoller) emitFailure(tickTS time.Time, ch *ChannelConfig, err error, latency time.Duration) {
	p.health.reportFailure(err)
	p.metrics.ReadFailures.WithLabelValues(p.dev.DeviceID, CategoryOf(err).String()).Inc()

	tags, fields := p.meta[ch.Number].at(tickTS)
	p.emit(Reading{
		DeviceID:        p.dev.DeviceID,
		DeviceName:      p.dev.Name,
		Channel:         ch.Number,
		Timestamp:       tickTS,
		Quality:         qualityFor(err),
		Unit:            ch.Unit,
		AcquisitionTime: latency,
		Tags:            tags,
		Fields:          fields,
		Error:           err.Error(),
	})
}

// emit publishes the reading, after disabling the channel when its
// specification proved unusable at read time. The disable lasts until the
// process reloads its configuration.
func (p *devicePoller) emit(r Reading) {
	if r.Quality == QualityConfigError {
		p.disabled[r.Channel] = true
		p.log.Warn("channel disabled by configuration error",
			zap.String("device_id", r.DeviceID),
			zap.Int("channel", r.Channel),
			zap.String("error", r.Error))
	}
	p.readings.publish(r)
}

func (p *devicePoller) buildCounterReading(tickTS time.Time, ch *ChannelConfig, words []uint16, latency time.Duration) Reading {
	raw := assembleCounter(words, ch.WordOrder)
	rate, wrapped := p.trackers[ch.Number].Observe(tickTS, raw)
	native := float64(raw)

	tags, fields := p.meta[ch.Number].at(tickTS)
	r := Reading{
		DeviceID:        p.dev.DeviceID,
		DeviceName:      p.dev.Name,
		Channel:         ch.Number,
		RawValue:        raw,
		Timestamp:       tickTS,
		Rate:            rate,
		Unit:            ch.Unit,
		AcquisitionTime: latency,
		Tags:            tags,
		Fields:          fields,
		Overflow:        wrapped,
	}
	if wrapped {
		p.log.Info("counter wrapped",
			zap.String("device_id", p.dev.DeviceID),
			zap.Int("channel", ch.Number),
			zap.Int64("raw_value", raw))
	}

	processed, err := safeProcess(p.transformer, native, ch)
	if err != nil {
		r.Quality = QualityBad
		r.Error = err.Error()
		return r
	}
	r.Processed = &processed
	r.Quality = p.validator.Classify(native, rate, wrapped, ch)
	return r
}

func (p *devicePoller) buildScaleReading(tickTS time.Time, ch *ChannelConfig, values map[string]FieldValue, latency time.Duration) Reading {
	tags, fields := p.meta[ch.Number].at(tickTS)
	r := Reading{
		DeviceID:        p.dev.DeviceID,
		DeviceName:      p.dev.Name,
		Channel:         ch.Number,
		Timestamp:       tickTS,
		Unit:            ch.Unit,
		AcquisitionTime: latency,
		Tags:            tags,
		Fields:          fields,
	}

	sample, err := sampleFor(p.template, values, ch.TemplateField)
	if err != nil {
		r.Quality = qualityFor(err)
		r.Error = err.Error()
		return r
	}
	r.RawValue = sample.raw
	if r.Unit == "" {
		r.Unit = p.template.unitText(values)
	}

	rateDigits, _ := p.trackers[ch.Number].Observe(tickTS, sample.raw)
	if rateDigits != nil {
		r.Rate = floatPtr(sample.rate(*rateDigits))
	}

	processed, err := safeProcess(p.transformer, sample.value, ch)
	if err != nil {
		r.Quality = QualityBad
		r.Error = err.Error()
		return r
	}
	r.Processed = &processed
	r.Quality = p.validator.Classify(sample.value, r.Rate, false, ch)
	if r.Quality == QualityGood && sample.stable != nil && !*sample.stable {
		r.Quality = QualityUncertain
	}
	return r
}

func (p *devicePoller) readRegisters(ctx context.Context, ch *ChannelConfig) ([]uint16, error) {
	p.txid++
	req := encodeReadRequest(p.txid, byte(p.dev.UnitID), ch.RegisterType,
		uint16(ch.StartRegister), uint16(ch.RegisterCount))
	frame, err := p.transport.Request(ctx, req)
	if err != nil {
		return nil, err
	}
	return decodeReadResponse(frame, p.txid, byte(p.dev.UnitID), ch.RegisterType, ch.RegisterCount)
}

// withRetry runs op, consuming the shared per-tick budget on retryable
// failures with capped exponential delays between attempts.
func (p *devicePoller) withRetry(ctx context.Context, budget *int, channel int, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.dev.RetryDelay()
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = maxRetryDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		err := op()
		if err == nil || !retryable(err) || *budget <= 0 || ctx.Err() != nil {
			return err
		}
		*budget--
		p.log.Warn("read failed, retrying",
			zap.String("device_id", p.dev.DeviceID),
			zap.Int("channel", channel),
			zap.Int("budget_left", *budget),
			zap.Error(err))
		if sleepCtx(ctx, p.clk, bo.NextBackOff()) != nil {
			return err
		}
	}
}

// qualityFor maps an error category to the quality of the failed reading.
func qualityFor(err error) Quality {
	switch CategoryOf(err) {
	case CategoryTimeout:
		return QualityTimeout
	case CategoryTransport:
		return QualityDeviceFailure
	case CategoryConfig:
		return QualityConfigError
	}
	return QualityBad
}
