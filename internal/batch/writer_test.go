package batch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"isobus-core/internal/codec"
	"isobus-core/internal/models"
)

// captureSink records every WriteBatch call and can be told to fail.
type captureSink struct {
	mu      sync.Mutex
	batches [][]models.DecodedMessage
	ids     []string
	failing bool
}

func (s *captureSink) WriteBatch(_ context.Context, batchID string, msgs []models.DecodedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("sink unavailable")
	}
	batch := make([]models.DecodedMessage, len(msgs))
	copy(batch, msgs)
	s.batches = append(s.batches, batch)
	s.ids = append(s.ids, batchID)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func (s *captureSink) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *captureSink) batch(i int) []models.DecodedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[i]
}

func telemetry(seq int, iface string) models.DecodedMessage {
	var data [8]byte
	data[0] = byte(seq)
	return models.DecodedMessage{
		PGN:         codec.PGNVehicleSpeed,
		Priority:    6,
		Destination: models.Broadcast,
		DLC:         8,
		Data:        data,
		Extended:    true,
		Interface:   iface,
		Timestamp:   time.Now().UTC(),
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFlushOnExactBatchSize(t *testing.T) {
	sink := &captureSink{}
	w := NewWriter(Config{Size: 10, FlushInterval: time.Hour}, sink, nil, zerolog.Nop())
	w.Start()
	defer w.Close()

	for i := 0; i < 10; i++ {
		w.Push(telemetry(i, "can0"))
	}

	waitFor(t, 2*time.Second, "size-triggered flush", func() bool { return sink.flushCount() == 1 })

	got := sink.batch(0)
	if len(got) != 10 {
		t.Fatalf("expected a flush of exactly 10 messages, got %d", len(got))
	}
	// No second flush without new input.
	time.Sleep(50 * time.Millisecond)
	if n := sink.flushCount(); n != 1 {
		t.Fatalf("expected exactly one flush, got %d", n)
	}
}

func TestFlushOnIntervalExpiry(t *testing.T) {
	sink := &captureSink{}
	w := NewWriter(Config{Size: 100, FlushInterval: 80 * time.Millisecond}, sink, nil, zerolog.Nop())
	w.Start()
	defer w.Close()

	for i := 0; i < 7; i++ {
		w.Push(telemetry(i, "can0"))
	}

	// Well before the interval nothing has flushed.
	time.Sleep(30 * time.Millisecond)
	if n := sink.flushCount(); n != 0 {
		t.Fatalf("flushed %d batches before the interval expired", n)
	}

	waitFor(t, time.Second, "interval-triggered flush", func() bool { return sink.flushCount() == 1 })
	if got := sink.batch(0); len(got) != 7 {
		t.Fatalf("expected the partial batch of 7, got %d", len(got))
	}
}

func TestFlushPreservesPerInterfaceOrder(t *testing.T) {
	sink := &captureSink{}
	w := NewWriter(Config{Size: 40, FlushInterval: time.Hour}, sink, nil, zerolog.Nop())
	w.Start()
	defer w.Close()

	for i := 0; i < 20; i++ {
		w.Push(telemetry(i, "can0"))
		w.Push(telemetry(i, "can1"))
	}
	waitFor(t, 2*time.Second, "flush", func() bool { return sink.flushCount() == 1 })

	seq := map[string]int{}
	for _, msg := range sink.batch(0) {
		if int(msg.Data[0]) != seq[msg.Interface] {
			t.Fatalf("%s: expected seq %d, got %d", msg.Interface, seq[msg.Interface], msg.Data[0])
		}
		seq[msg.Interface]++
	}
}

func TestRetryExhaustionSpoolsBatch(t *testing.T) {
	dir := t.TempDir()
	sink := &captureSink{failing: true}
	w := NewWriter(Config{
		Size:          5,
		FlushInterval: time.Hour,
		RetryAttempts: 3,
		RetryBase:     time.Millisecond,
		RetryMax:      5 * time.Millisecond,
		SpoolDir:      dir,
	}, sink, codec.New(false, nil), zerolog.Nop())
	w.Start()
	defer w.Close()

	for i := 0; i < 5; i++ {
		w.Push(telemetry(i, "can0"))
	}

	waitFor(t, 2*time.Second, "spooled batch", func() bool { return w.Spooled() == 1 })

	files, err := filepath.Glob(filepath.Join(dir, "batch-*.json"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one spool file, got %v (err %v)", files, err)
	}
	b, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("cannot read spool file: %v", err)
	}
	if !strings.Contains(string(b), "\"pgn\": 65265") {
		t.Fatalf("spool file does not contain the batch: %s", b)
	}
}

func TestSpoolReplayOnStart(t *testing.T) {
	dir := t.TempDir()
	cdc := codec.New(false, nil)

	// First writer spools against a dead sink.
	dead := &captureSink{failing: true}
	w1 := NewWriter(Config{
		Size: 3, FlushInterval: time.Hour,
		RetryAttempts: 2, RetryBase: time.Millisecond, RetryMax: time.Millisecond,
		SpoolDir: dir,
	}, dead, cdc, zerolog.Nop())
	w1.Start()
	for i := 0; i < 3; i++ {
		w1.Push(telemetry(i, "can0"))
	}
	waitFor(t, 2*time.Second, "spool", func() bool { return w1.Spooled() == 1 })
	w1.Close()

	// Second writer replays it into a healthy sink.
	sink := &captureSink{}
	w2 := NewWriter(Config{Size: 3, FlushInterval: time.Hour, SpoolDir: dir}, sink, cdc, zerolog.Nop())
	w2.Start()
	defer w2.Close()

	waitFor(t, 2*time.Second, "replayed flush", func() bool { return sink.flushCount() == 1 })

	replayed := sink.batch(0)
	if len(replayed) != 3 {
		t.Fatalf("expected 3 replayed messages, got %d", len(replayed))
	}
	if replayed[0].Payload == nil || replayed[0].Payload.Kind() != models.KindVehicleSpeed {
		t.Fatalf("replayed payload was not re-derived: %+v", replayed[0].Payload)
	}

	files, _ := filepath.Glob(filepath.Join(dir, "batch-*.json"))
	if len(files) != 0 {
		t.Fatalf("spool files remain after replay: %v", files)
	}
}

func TestBackpressureDropsNonSafetyFirst(t *testing.T) {
	sink := &captureSink{failing: true} // keep the flusher busy failing
	w := NewWriter(Config{
		Size:          1000,
		FlushInterval: time.Hour,
		QueueSize:     4,
		PushTimeout:   time.Millisecond,
		RetryAttempts: 1,
		RetryBase:     time.Millisecond,
		SafetyPGNs:    []uint32{codec.PGNPTOStatus},
	}, sink, nil, zerolog.Nop())
	// Not started: the queue has no consumer, so it saturates.

	for i := 0; i < 4; i++ {
		w.Push(telemetry(i, "can0"))
	}
	if w.Dropped() != 0 {
		t.Fatalf("dropped %d messages before saturation", w.Dropped())
	}

	w.Push(telemetry(99, "can0"))
	if w.Dropped() == 0 {
		t.Fatal("saturated queue did not shed a non-safety message")
	}

	// A safety-critical message still gets through: the shed policy frees
	// a slot for it.
	safety := telemetry(100, "can0")
	safety.PGN = codec.PGNPTOStatus
	done := make(chan struct{})
	go func() {
		w.Push(safety)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("safety push did not complete")
	}
}

func TestCloseFlushesQueuedBacklog(t *testing.T) {
	sink := &captureSink{}
	w := NewWriter(Config{Size: 1000, FlushInterval: time.Hour}, sink, nil, zerolog.Nop())
	w.Start()

	const total = 200
	for i := 0; i < total; i++ {
		w.Push(telemetry(i, "can0"))
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := 0
	for i := 0; i < sink.flushCount(); i++ {
		got += len(sink.batch(i))
	}
	if got != total {
		t.Fatalf("pushed %d messages, sink received %d after close", total, got)
	}
}

func TestSpoolReplayOldestFirstBySpoolTime(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()

	// Lexical file-name order is the reverse of spool age here: the older
	// batch has the later-sorting name.
	write := func(id string, spooledAt time.Time) {
		entry := spoolEntry{
			BatchID:   id,
			SpooledAt: spooledAt,
			Messages: []spoolMessage{{
				PGN: codec.PGNVehicleSpeed, Priority: 6, Destination: models.Broadcast,
				DLC: 8, Data: make([]byte, 8), Extended: true, Timestamp: spooledAt,
				Interface: "can0",
			}},
		}
		b, err := json.Marshal(entry)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "batch-"+id+".json"), b, 0o600); err != nil {
			t.Fatalf("write spool file: %v", err)
		}
	}
	write("zzz-older", now.Add(-2*time.Hour))
	write("aaa-newer", now.Add(-time.Hour))

	sink := &captureSink{}
	w := NewWriter(Config{Size: 10, FlushInterval: time.Hour, SpoolDir: dir}, sink, codec.New(false, nil), zerolog.Nop())
	w.Start()
	defer w.Close()

	waitFor(t, 2*time.Second, "both replays", func() bool { return sink.flushCount() == 2 })

	sink.mu.Lock()
	ids := append([]string(nil), sink.ids...)
	sink.mu.Unlock()
	if ids[0] != "zzz-older" || ids[1] != "aaa-newer" {
		t.Fatalf("replay order by spool time broken: %v", ids)
	}
}

func TestShedPreservesOrderOfKeptMessages(t *testing.T) {
	sink := &captureSink{}
	w := NewWriter(Config{
		Size:          4,
		FlushInterval: time.Hour,
		QueueSize:     4,
		PushTimeout:   time.Millisecond,
		SafetyPGNs:    []uint32{codec.PGNPTOStatus},
	}, sink, nil, zerolog.Nop())
	// Not started yet, so the queue saturates deterministically.

	safety := telemetry(0, "can0")
	safety.PGN = codec.PGNPTOStatus
	w.Push(safety)
	for i := 1; i <= 3; i++ {
		w.Push(telemetry(i, "can0"))
	}

	// Saturated: the oldest non-safety message (seq 1) is shed; the
	// safety message keeps its place at the head of the queue.
	w.Push(telemetry(4, "can0"))
	if w.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", w.Dropped())
	}

	w.Start()
	defer w.Close()
	waitFor(t, 2*time.Second, "flush", func() bool { return sink.flushCount() == 1 })

	got := sink.batch(0)
	if len(got) != 4 {
		t.Fatalf("expected 4 kept messages, got %d", len(got))
	}
	if got[0].PGN != codec.PGNPTOStatus {
		t.Fatalf("safety message lost its head position, got PGN %d first", got[0].PGN)
	}
	want := []uint8{0, 2, 3, 4}
	for i, msg := range got {
		if msg.Data[0] != want[i] {
			t.Fatalf("order perturbed at %d: got seq %d, want %d", i, msg.Data[0], want[i])
		}
	}
}
