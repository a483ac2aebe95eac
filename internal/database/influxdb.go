package database

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"a64fx-hwb/internal/config"
	"a64fx-hwb/internal/hwb"
	"a64fx-hwb/internal/logging"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

const (
	EventMeasurement = "hwb_events"
	writeTimeout     = 10 * time.Second
	// Failed batches held in memory before they are spooled to disk.
	unsentBatches = 4
)

// pointWriter is the subset of api.WriteAPIBlocking the recorder uses.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// RecorderStats counts what happened to recorded events.
type RecorderStats struct {
	Written uint64
	Dropped uint64
	Failed  uint64
	// Lost counts failed events discarded because the spool was unwritable.
	Lost uint64
}

// Recorder streams ownership events to InfluxDB. Record never blocks: events
// that do not fit into the buffer are dropped and counted.
type Recorder struct {
	client   influxdb2.Client
	writer   pointWriter
	hostname string
	spoolDir string
	interval time.Duration
	batch    int
	logger   logrus.FieldLogger

	mu     sync.RWMutex
	closed bool
	events chan hwb.Event
	done   chan struct{}

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
	lost    atomic.Uint64

	// unsent is owned by the run goroutine until done is closed. It is
	// spooled once it reaches spoolAt events.
	unsent  []hwb.Event
	spoolAt int
}

// NewRecorder connects to InfluxDB and starts the writer goroutine.
func NewRecorder(cfg config.RecorderConfig, hostname string) (*Recorder, error) {
	logger := logging.GetLogger()

	client := influxdb2.NewClient(cfg.Host, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		logger.WithField("host", cfg.Host).WithError(err).Error("Failed to connect to InfluxDB")
		client.Close()
		return nil, err
	}
	if health.Status != "pass" {
		logger.WithFields(logrus.Fields{
			"host":    cfg.Host,
			"status":  health.Status,
			"message": health.Message,
		}).Error("InfluxDB health check failed")
		client.Close()
		return nil, fmt.Errorf("influxdb at %s is not healthy: %s", cfg.Host, health.Status)
	}

	logger.WithFields(logrus.Fields{
		"host":   cfg.Host,
		"bucket": cfg.Bucket,
		"org":    cfg.Org,
	}).Info("Connected to InfluxDB")

	r := newRecorder(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg, hostname, logger)
	r.client = client
	return r, nil
}

func newRecorder(w pointWriter, cfg config.RecorderConfig, hostname string, logger logrus.FieldLogger) *Recorder {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 1
	}
	spoolDir := cfg.SpoolDir
	if spoolDir == "" {
		spoolDir = DefaultSpoolDir()
	}
	r := &Recorder{
		writer:   w,
		hostname: hostname,
		spoolDir: spoolDir,
		interval: cfg.GetFlushInterval(),
		batch:    buffer,
		spoolAt:  buffer * unsentBatches,
		logger:   logger,
		events:   make(chan hwb.Event, buffer),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Record implements hwb.EventSink.
func (r *Recorder) Record(ev hwb.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		n := r.dropped.Add(1)
		// Log the first drop and then every power of two.
		if n&(n-1) == 0 {
			r.logger.WithFields(logrus.Fields{
				"event":   string(ev.Type),
				"dropped": n,
			}).Warn("Event buffer full, dropping events")
		}
	}
}

func (r *Recorder) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var batch []hwb.Event
	for {
		select {
		case ev, ok := <-r.events:
			if !ok {
				r.flush(batch)
				return
			}
			batch = append(batch, ev)
			if len(batch) >= r.batch {
				r.flush(batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = nil
			}
		}
	}
}

func (r *Recorder) flush(batch []hwb.Event) {
	if len(batch) == 0 {
		return
	}
	points := make([]*write.Point, 0, len(batch))
	for _, ev := range batch {
		points = append(points, EventPoint(ev, r.hostname))
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.writer.WritePoint(ctx, points...); err != nil {
		r.unsent = append(r.unsent, batch...)
		r.logger.WithField("events", len(batch)).WithError(err).Warn("Failed to write events to InfluxDB")
		if len(r.unsent) >= r.spoolAt {
			if err := r.spool(); err != nil {
				r.logger.WithError(err).Warn("Failed to spool unsent events")
				r.trimUnsent()
			}
		}
		// Counted once the backlog is settled.
		r.failed.Add(uint64(len(batch)))
		return
	}
	r.written.Add(uint64(len(batch)))
	r.logger.WithField("events", len(batch)).Debug("Events written to InfluxDB")
}

// Close flushes buffered events and stops the recorder. Events that could
// not be written are spooled to disk.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()

	<-r.done

	err := r.spool()
	if r.client != nil {
		r.client.Close()
	}

	stats := r.Stats()
	r.logger.WithFields(logrus.Fields{
		"written": stats.Written,
		"dropped": stats.Dropped,
		"failed":  stats.Failed,
		"lost":    stats.Lost,
	}).Info("Event recorder closed")
	return err
}

// spool moves unsent events to disk. On error they stay in memory.
func (r *Recorder) spool() error {
	if len(r.unsent) == 0 {
		return nil
	}
	path, err := WriteSpoolArtifact(r.spoolDir, BuildSpoolArtifact(r.hostname, r.unsent))
	if err != nil {
		return fmt.Errorf("spool %d unsent events: %w", len(r.unsent), err)
	}
	r.logger.WithFields(logrus.Fields{
		"events": len(r.unsent),
		"path":   path,
	}).Warn("Spooled unsent events")
	r.unsent = nil
	return nil
}

// trimUnsent keeps the newest spoolAt events and counts the rest as lost.
func (r *Recorder) trimUnsent() {
	excess := len(r.unsent) - r.spoolAt
	if excess <= 0 {
		return
	}
	r.lost.Add(uint64(excess))
	r.unsent = append([]hwb.Event(nil), r.unsent[excess:]...)
}

func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Written: r.written.Load(),
		Dropped: r.dropped.Load(),
		Failed:  r.failed.Load(),
		Lost:    r.lost.Load(),
	}
}

// EventPoint converts an event into an InfluxDB point. Group, blade and event
// type are tags; the rest are fields.
func EventPoint(ev hwb.Event, hostname string) *write.Point {
	tags := map[string]string{
		"event": string(ev.Type),
		"group": strconv.Itoa(ev.Group),
		"blade": strconv.Itoa(ev.Blade),
	}
	if hostname != "" {
		tags["host"] = hostname
	}
	fields := map[string]interface{}{
		"pid":          ev.Task.PID,
		"tgid":         ev.Task.TGID,
		"ppid":         ev.Task.ParentPID,
		"window":       ev.Window,
		"core":         ev.Core,
		"participants": ev.Participants,
	}
	return influxdb2.NewPoint(EventMeasurement, tags, fields, ev.Time)
}
