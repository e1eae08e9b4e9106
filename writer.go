package adam

/*
This file contains the time-series writer. It drains the reading bus into
batches, flushes a batch when it reaches batch_size or when the flush
interval fires, and survives backend outages by buffering whole batches with
exponential-backoff retries. Memory stays bounded: past max_buffered_batches
the oldest batch is dropped and counted.

Only the serialisation and the single blocking write call belong to the
backend client; batching, flush timing, retry and drop policy all live here.
Writes are idempotent at millisecond timestamp granularity, so a batch that
was stored but whose acknowledgement was lost is safe to write again.
*/

import (
	"context"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

// pointWriter is the seam to the backend client. api.WriteAPIBlocking
// satisfies it; tests substitute a fake.
type pointWriter interface {
	WritePoint(ctx context.Context, points ...*write.Point) error
}

// writerDeviceInfo is the per-device context baked into points.
type writerDeviceInfo struct {
	family       DeviceFamily
	manufacturer string
	model        string
	protocol     string
}

type seriesWriter struct {
	cfg     WriterConfig
	devices map[string]writerDeviceInfo
	out     pointWriter
	sub     *ReadingSubscription
	clk     clock.Clock
	log     *zap.Logger
	metrics *Metrics

	batch    []*write.Point
	buffered [][]*write.Point
	bo       *backoff.ExponentialBackOff
	retryT   *clock.Timer
	retryC   <-chan time.Time
}

func newSeriesWriter(cfg WriterConfig, devices []DeviceConfig, out pointWriter, sub *ReadingSubscription, clk clock.Clock, log *zap.Logger, metrics *Metrics) *seriesWriter {
	info := make(map[string]writerDeviceInfo, len(devices))
	for _, d := range devices {
		wi := writerDeviceInfo{family: d.Family, protocol: "modbus_tcp"}
		if d.Family == FamilyScale {
			wi.manufacturer = d.Manufacturer
			wi.model = d.Model
			wi.protocol = d.TemplateID
		}
		info[d.DeviceID] = wi
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BackoffBase()
	bo.MaxInterval = cfg.BackoffCap()
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &seriesWriter{
		cfg:     cfg,
		devices: info,
		out:     out,
		sub:     sub,
		clk:     clk,
		log:     log,
		metrics: metrics,
		bo:      bo,
	}
}

// run drains the subscription until the bus closes it, then performs the
// final flush under the shutdown deadline.
func (w *seriesWriter) run(ctx context.Context) error {
	tick := w.clk.Ticker(w.cfg.FlushInterval())
	defer tick.Stop()
	for {
		select {
		case r, ok := <-w.sub.C():
			if !ok {
				return w.shutdownFlush()
			}
			w.add(r)
			if len(w.batch) >= w.cfg.BatchSize {
				w.cut()
				w.attempt(ctx)
			}
		case <-tick.C:
			w.cut()
			w.attempt(ctx)
		case <-w.retryC:
			w.retryC = nil
			w.retryT = nil
			w.attempt(ctx)
		case <-ctx.Done():
			return w.shutdownFlush()
		}
	}
}

func (w *seriesWriter) add(r Reading) {
	if !r.Quality.Usable() {
		return
	}
	w.batch = append(w.batch, w.point(r))
}

// cut seals the open batch into the flush queue, shedding the oldest queued
// batch when the buffer limit is exceeded.
func (w *seriesWriter) cut() {
	if len(w.batch) == 0 {
		return
	}
	w.buffered = append(w.buffered, w.batch)
	w.batch = nil
	for len(w.buffered) > w.cfg.MaxBufferedBatches {
		dropped := len(w.buffered[0])
		w.buffered = w.buffered[1:]
		w.metrics.PointsDropped.Add(float64(dropped))
		w.log.Warn("buffer full, dropped oldest batch",
			zap.Int("points", dropped),
			zap.Int("buffered_batches", len(w.buffered)))
	}
	w.metrics.BufferedBatches.Set(float64(len(w.buffered)))
}

// attempt writes queued batches in order until the queue empties or a write
// fails, in which case a retry timer is armed with the next backoff delay.
// While a retry is pending the backend is left alone; newly sealed batches
// just queue up behind the failed one.
func (w *seriesWriter) attempt(ctx context.Context) {
	if w.retryC != nil {
		return
	}
	for len(w.buffered) > 0 {
		wctx, cancel := context.WithTimeout(ctx, w.cfg.FlushTimeout())
		err := w.out.WritePoint(wctx, w.buffered[0]...)
		cancel()
		if err != nil {
			w.metrics.WriteRetries.Inc()
			delay := w.bo.NextBackOff()
			w.log.Warn("flush failed",
				zap.Int("points", len(w.buffered[0])),
				zap.Int("buffered_batches", len(w.buffered)),
				zap.Duration("retry_in", delay),
				zap.Error(err))
			w.retryT = w.clk.Timer(delay)
			w.retryC = w.retryT.C
			return
		}
		w.metrics.PointsWritten.Add(float64(len(w.buffered[0])))
		w.buffered = w.buffered[1:]
		w.metrics.BufferedBatches.Set(float64(len(w.buffered)))
	}
	w.bo.Reset()
	if w.retryT != nil {
		w.retryT.Stop()
		w.retryT = nil
	}
	w.retryC = nil
}

// shutdownFlush makes one bounded attempt to write everything still held.
func (w *seriesWriter) shutdownFlush() error {
	w.cut()
	if len(w.buffered) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.FlushTimeout())
	defer cancel()
	for len(w.buffered) > 0 {
		if err := w.out.WritePoint(ctx, w.buffered[0]...); err != nil {
			remaining := 0
			for _, b := range w.buffered {
				remaining += len(b)
			}
			w.log.Error("final flush incomplete",
				zap.Int("points_unwritten", remaining),
				zap.Error(err))
			return TransportErrorF("final flush left %d points unwritten: %v", remaining, err)
		}
		w.metrics.PointsWritten.Add(float64(len(w.buffered[0])))
		w.buffered = w.buffered[1:]
	}
	w.metrics.BufferedBatches.Set(0)
	return nil
}

// point serialises one usable reading. Counter readings land in adam_counter,
// scale readings in scale_weight with the device's manufacturer, model and
// protocol tags added. User tags ride along; the injected timestamp tag is
// redundant with the point timestamp and is skipped.
func (w *seriesWriter) point(r Reading) *write.Point {
	info := w.devices[r.DeviceID]
	measurement := "adam_counter"
	if info.family == FamilyScale {
		measurement = "scale_weight"
	}

	tags := map[string]string{
		"device_id":   r.DeviceID,
		"device_name": r.DeviceName,
		"channel":     strconv.Itoa(r.Channel),
		"unit":        r.Unit,
		"quality":     r.Quality.String(),
	}
	if info.family == FamilyScale {
		tags["manufacturer"] = info.manufacturer
		tags["model"] = info.model
		tags["protocol"] = info.protocol
	}
	for k, v := range r.Tags {
		if k == "timestamp" {
			continue
		}
		if _, reserved := tags[k]; !reserved {
			tags[k] = v
		}
	}

	fields := map[string]any{
		"raw_value": r.RawValue,
	}
	if r.Processed != nil {
		fields["processed_value"] = *r.Processed
	}
	if r.Rate != nil {
		fields["rate"] = *r.Rate
	}
	if r.Overflow {
		fields["overflow"] = true
	}
	for k, v := range r.Fields {
		if _, reserved := fields[k]; !reserved {
			fields[k] = v
		}
	}
	return write.NewPoint(measurement, tags, fields, r.Timestamp.Truncate(time.Millisecond))
}
