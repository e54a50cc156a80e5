package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"isobus-core/internal/codec"
	"isobus-core/internal/models"
)

// Sink is the external time-series bulk-write interface. WriteBatch must be
// idempotent with respect to batchID so a retried flush never duplicates
// rows downstream.
type Sink interface {
	WriteBatch(ctx context.Context, batchID string, msgs []models.DecodedMessage) error
	Close() error
}

// Config tunes the batch writer.
type Config struct {
	Size          int           // flush when the batch reaches this many messages
	FlushInterval time.Duration // flush a partial batch after this much time
	QueueSize     int
	PushTimeout   time.Duration // bounded blocking before the drop policy kicks in
	WriteTimeout  time.Duration // per sink write attempt
	RetryAttempts int
	RetryBase     time.Duration
	RetryMax      time.Duration
	SpoolDir      string // overflow spool for batches the sink refused
	SafetyPGNs    []uint32
}

func (c *Config) withDefaults() {
	if c.Size <= 0 {
		c.Size = 500
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Size * 2
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 5 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 100 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2 * time.Second
	}
}

// Writer consumes the pool's decoded stream and flushes it to the sink in
// batches, by size or by age, whichever trips first.
//
// The queue is a bounded in-order buffer rather than a channel so the shed
// policy can remove the oldest non-safety message without disturbing the
// order of everything it keeps.
type Writer struct {
	cfg    Config
	sink   Sink
	codec  *codec.Codec
	log    zerolog.Logger
	safety map[uint32]struct{}

	mu  sync.Mutex
	buf []models.DecodedMessage

	itemC  chan struct{} // the queue gained a message
	spaceC chan struct{} // the flush loop freed the queue
	stop   chan struct{}
	done   chan struct{}

	flushes atomic.Uint64
	spooled atomic.Uint64
	dropped atomic.Uint64
}

// NewWriter builds a writer over the given sink. The codec is used to
// re-derive typed payloads when replaying spooled batches.
func NewWriter(cfg Config, sink Sink, cdc *codec.Codec, log zerolog.Logger) *Writer {
	cfg.withDefaults()
	safety := make(map[uint32]struct{}, len(cfg.SafetyPGNs))
	for _, pgn := range cfg.SafetyPGNs {
		safety[pgn] = struct{}{}
	}
	return &Writer{
		cfg:    cfg,
		sink:   sink,
		codec:  cdc,
		log:    log.With().Str("component", "batch").Logger(),
		safety: safety,
		buf:    make([]models.DecodedMessage, 0, cfg.QueueSize),
		itemC:  make(chan struct{}, 1),
		spaceC: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start replays any spooled batches and begins the flush loop.
func (w *Writer) Start() {
	if w.cfg.SpoolDir != "" {
		w.replaySpool()
	}
	go w.run()
}

// Push hands a message to the writer. It never blocks the caller for more
// than PushTimeout: when the queue is saturated the oldest queued
// non-safety message is shed first; safety-critical classes are only ever
// delayed, never dropped.
func (w *Writer) Push(msg models.DecodedMessage) {
	select {
	case <-w.stop:
		return
	default:
	}

	if w.tryAppend(msg) {
		return
	}

	// Bounded blocking while the flusher catches up.
	timer := time.NewTimer(w.cfg.PushTimeout)
	defer timer.Stop()
	for {
		select {
		case <-w.spaceC:
			if w.tryAppend(msg) {
				return
			}
		case <-w.stop:
			return
		case <-timer.C:
			w.shed(msg)
			return
		}
	}
}

// tryAppend appends under the queue bound and wakes the flush loop.
func (w *Writer) tryAppend(msg models.DecodedMessage) bool {
	w.mu.Lock()
	if len(w.buf) >= w.cfg.QueueSize {
		w.mu.Unlock()
		return false
	}
	w.buf = append(w.buf, msg)
	w.mu.Unlock()
	w.signal(w.itemC)
	return true
}

// shed frees a slot by removing the oldest queued non-safety message in
// place, keeping the relative order of everything retained. When the whole
// queue is safety traffic a non-safety arrival is shed instead, and a
// safety arrival blocks until the flusher frees space: blocking there is
// acceptable, losing it is not.
func (w *Writer) shed(msg models.DecodedMessage) {
	w.mu.Lock()
	victimPGN := uint32(0)
	victim := -1
	for i, m := range w.buf {
		if !w.isSafety(m.PGN) {
			victim = i
			victimPGN = m.PGN
			break
		}
	}
	if victim >= 0 {
		w.buf = append(w.buf[:victim], w.buf[victim+1:]...)
		w.dropped.Add(1)
	}
	if len(w.buf) < w.cfg.QueueSize {
		w.buf = append(w.buf, msg)
		w.mu.Unlock()
		if victim >= 0 {
			w.log.Warn().Uint32("pgn", victimPGN).Msg("queue saturated, oldest non-safety message dropped")
		}
		w.signal(w.itemC)
		return
	}
	w.mu.Unlock()

	if !w.isSafety(msg.PGN) {
		w.dropped.Add(1)
		w.log.Warn().Uint32("pgn", msg.PGN).Msg("queue saturated, message dropped")
		return
	}
	for {
		select {
		case <-w.spaceC:
			if w.tryAppend(msg) {
				return
			}
		case <-w.stop:
			return
		}
	}
}

func (w *Writer) signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

func (w *Writer) isSafety(pgn uint32) bool {
	_, ok := w.safety[pgn]
	return ok
}

// take removes and returns everything currently queued.
func (w *Writer) take() []models.DecodedMessage {
	w.mu.Lock()
	items := w.buf
	w.buf = make([]models.DecodedMessage, 0, w.cfg.QueueSize)
	w.mu.Unlock()
	if len(items) > 0 {
		w.signal(w.spaceC)
	}
	return items
}

// run drains the queue into batches. A timer armed on the first append
// enforces the flush-interval bound from the batch's own start time.
func (w *Writer) run() {
	defer close(w.done)

	batch := make([]models.DecodedMessage, 0, w.cfg.Size)
	var ageTimer *time.Timer
	var ageC <-chan time.Time

	disarm := func() {
		if ageTimer != nil {
			ageTimer.Stop()
			ageTimer = nil
			ageC = nil
		}
	}

	for {
		select {
		case <-w.stop:
			// Shutdown flushes the partial batch and everything still
			// queued; buffered telemetry is never discarded silently.
			batch = append(batch, w.take()...)
			for len(batch) > 0 {
				n := min(len(batch), w.cfg.Size)
				w.flush(batch[:n])
				batch = batch[n:]
			}
			disarm()
			return

		case <-w.itemC:
			for _, msg := range w.take() {
				batch = append(batch, msg)
				if len(batch) == 1 {
					ageTimer = time.NewTimer(w.cfg.FlushInterval)
					ageC = ageTimer.C
				}
				if len(batch) >= w.cfg.Size {
					w.flush(batch)
					batch = batch[:0]
					disarm()
				}
			}

		case <-ageC:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
			ageTimer = nil
			ageC = nil
		}
	}
}

// flush writes one batch, retrying with exponential backoff. On
// exhaustion the batch goes to the overflow spool instead of being
// dropped: telemetry loss is never silent.
func (w *Writer) flush(batch []models.DecodedMessage) {
	batchID := uuid.NewString()
	msgs := make([]models.DecodedMessage, len(batch))
	copy(msgs, batch)

	bo := newBackoff(w.cfg.RetryBase, w.cfg.RetryMax)
	var lastErr error
	for attempt := 0; attempt < w.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			bo.Sleep()
		}
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
		lastErr = w.sink.WriteBatch(ctx, batchID, msgs)
		cancel()
		if lastErr == nil {
			w.flushes.Add(1)
			w.log.Debug().Str("batch_id", batchID).Int("messages", len(msgs)).Msg("batch flushed")
			return
		}
		w.log.Warn().Err(lastErr).Str("batch_id", batchID).Int("attempt", attempt+1).Msg("sink write failed")
	}

	if w.cfg.SpoolDir == "" {
		w.log.Error().Err(lastErr).Str("batch_id", batchID).Int("messages", len(msgs)).Msg("batch lost: retries exhausted and no spool configured")
		return
	}
	if err := w.spool(batchID, msgs); err != nil {
		w.log.Error().Err(err).Str("batch_id", batchID).Msg("failed to spool batch")
		return
	}
	w.spooled.Add(1)
	w.log.Warn().Str("batch_id", batchID).Int("messages", len(msgs)).Msg("batch spooled after retry exhaustion")
}

// Flushes returns the number of successful sink writes.
func (w *Writer) Flushes() uint64 { return w.flushes.Load() }

// Spooled returns the number of batches diverted to the overflow spool.
func (w *Writer) Spooled() uint64 { return w.spooled.Load() }

// Dropped returns the number of messages shed by the backpressure policy.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Close stops the flush loop, writes out the partial batch and the queued
// backlog, and closes the sink.
func (w *Writer) Close() error {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
	return w.sink.Close()
}
