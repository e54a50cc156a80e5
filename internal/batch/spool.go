package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"isobus-core/internal/models"
)

// spoolEntry is one batch persisted after retry exhaustion. The file name
// carries the batch id so replay stays idempotent at the sink.
type spoolEntry struct {
	BatchID   string         `json:"batch_id"`
	SpooledAt time.Time      `json:"spooled_at"`
	Messages  []spoolMessage `json:"messages"`
}

type spoolMessage struct {
	PGN         uint32    `json:"pgn"`
	Priority    uint8     `json:"priority"`
	Source      uint8     `json:"source"`
	Destination uint8     `json:"destination"`
	DLC         uint8     `json:"dlc"`
	Data        []byte    `json:"data"`
	Timestamp   time.Time `json:"timestamp"`
	Interface   string    `json:"interface"`
	Extended    bool      `json:"extended"`
	RawID       uint32    `json:"raw_id,omitempty"`
}

func toSpoolMessage(m models.DecodedMessage) spoolMessage {
	return spoolMessage{
		PGN:         m.PGN,
		Priority:    m.Priority,
		Source:      m.Source,
		Destination: m.Destination,
		DLC:         m.DLC,
		Data:        append([]byte(nil), m.Data[:]...),
		Timestamp:   m.Timestamp,
		Interface:   m.Interface,
		Extended:    m.Extended,
		RawID:       m.RawID,
	}
}

// toDecoded rebuilds the message; the typed payload is re-derived through
// the codec so sinks see the same shape as a live message.
func (w *Writer) toDecoded(sm spoolMessage) models.DecodedMessage {
	m := models.DecodedMessage{
		PGN:         sm.PGN,
		Priority:    sm.Priority,
		Source:      sm.Source,
		Destination: sm.Destination,
		DLC:         sm.DLC,
		Timestamp:   sm.Timestamp,
		Interface:   sm.Interface,
		Extended:    sm.Extended,
		RawID:       sm.RawID,
	}
	copy(m.Data[:], sm.Data)
	m.Payload = models.Unknown{Raw: m.Data[:m.DLC]}
	if w.codec != nil {
		if frame, err := w.codec.Encode(m); err == nil {
			if decoded, err := w.codec.Decode(frame); err == nil {
				m.Payload = decoded.Payload
			}
		}
	}
	return m
}

func spoolPath(dir, batchID string) string {
	return filepath.Join(dir, fmt.Sprintf("batch-%s.json", batchID))
}

// spool persists the batch atomically (tmp + rename).
func (w *Writer) spool(batchID string, msgs []models.DecodedMessage) error {
	if err := os.MkdirAll(w.cfg.SpoolDir, 0o700); err != nil {
		return err
	}
	entry := spoolEntry{
		BatchID:   batchID,
		SpooledAt: time.Now().UTC(),
		Messages:  make([]spoolMessage, len(msgs)),
	}
	for i, m := range msgs {
		entry.Messages[i] = toSpoolMessage(m)
	}

	b, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	path := spoolPath(w.cfg.SpoolDir, batchID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// replaySpool retries spooled batches once each, oldest first by their
// recorded spool time, under their original batch ids. A still-failing
// sink stops the replay; remaining files wait for the next start.
func (w *Writer) replaySpool() {
	dirEntries, err := os.ReadDir(w.cfg.SpoolDir)
	if err != nil {
		if !os.IsNotExist(err) {
			w.log.Warn().Err(err).Msg("cannot read spool directory")
		}
		return
	}

	type spooled struct {
		name  string
		entry spoolEntry
	}
	var batches []spooled
	for _, e := range dirEntries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "batch-") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(w.cfg.SpoolDir, e.Name()))
		if err != nil {
			w.log.Warn().Err(err).Str("file", e.Name()).Msg("cannot read spooled batch")
			continue
		}
		var entry spoolEntry
		if err := json.Unmarshal(b, &entry); err != nil {
			w.log.Warn().Err(err).Str("file", e.Name()).Msg("corrupt spooled batch")
			continue
		}
		batches = append(batches, spooled{name: e.Name(), entry: entry})
	}
	// File names carry random batch ids; the spool timestamp is the age.
	sort.Slice(batches, func(i, j int) bool {
		return batches[i].entry.SpooledAt.Before(batches[j].entry.SpooledAt)
	})

	for _, sp := range batches {
		name, entry := sp.name, sp.entry
		path := filepath.Join(w.cfg.SpoolDir, name)

		msgs := make([]models.DecodedMessage, len(entry.Messages))
		for i, sm := range entry.Messages {
			msgs[i] = w.toDecoded(sm)
		}

		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
		err = w.sink.WriteBatch(ctx, entry.BatchID, msgs)
		cancel()
		if err != nil {
			w.log.Warn().Err(err).Str("batch_id", entry.BatchID).Msg("spool replay failed, keeping file")
			return
		}
		w.flushes.Add(1)
		if err := os.Remove(path); err != nil {
			w.log.Warn().Err(err).Str("file", name).Msg("cannot remove replayed spool file")
		}
		w.log.Info().Str("batch_id", entry.BatchID).Int("messages", len(msgs)).Msg("spooled batch replayed")
	}
}
