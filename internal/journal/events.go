package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lazypower/spiralmem/internal/bus"
	"github.com/lazypower/spiralmem/internal/store"
)

// subscriberID is the bus id the journal registers under.
const subscriberID = "journal"

// Record is one journaled event.
type Record struct {
	ID        int64          `json:"id"`
	Kind      string         `json:"kind"`
	EntryID   string         `json:"entry_id"`
	Sequence  uint64         `json:"sequence"`
	Weight    float64        `json:"weight"`
	Resonance float64        `json:"resonance"`
	X         float64        `json:"x"`
	Y         float64        `json:"y"`
	Accesses  uint64         `json:"accesses"`
	Content   string         `json:"content,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	At        int64          `json:"at"`
}

// Append writes one event to the journal.
func (db *DB) Append(ev bus.Event) error {
	var e store.Entry
	if entry, ok := ev.Entry.(store.Entry); ok {
		e = entry
	}

	var data sql.NullString
	if len(ev.Data) > 0 {
		raw, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("encode event data: %w", err)
		}
		data = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := db.Exec(`
		INSERT INTO events (kind, entry_id, sequence, weight, resonance, pos_x, pos_y, content, accesses, data, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(ev.Kind), ev.EntryID, int64(e.CreatedAt), e.Weight, e.Resonance,
		e.Position.X, e.Position.Y, store.Serialize(e.Content), int64(e.Accesses), data, ev.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Attach subscribes the journal to b. Write failures are logged and never
// reach the publisher.
func (db *DB) Attach(b *bus.Bus) {
	b.Subscribe(subscriberID, func(ev bus.Event) {
		if err := db.Append(ev); err != nil {
			slog.Error("journal append failed", "kind", ev.Kind, "entry_id", ev.EntryID, "err", err)
		}
	})
}

// Detach removes the journal's subscription from b.
func (db *DB) Detach(b *bus.Bus) {
	b.Unsubscribe(subscriberID)
}

// Recent returns up to limit events, newest first.
func (db *DB) Recent(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, kind, entry_id, sequence, weight, resonance, pos_x, pos_y, accesses, content, data, at
		FROM events ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var seq, accesses int64
		var content, data sql.NullString
		if err := rows.Scan(&r.ID, &r.Kind, &r.EntryID, &seq, &r.Weight, &r.Resonance,
			&r.X, &r.Y, &accesses, &content, &data, &r.At); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		r.Sequence = uint64(seq)
		r.Accesses = uint64(accesses)
		r.Content = content.String
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &r.Data); err != nil {
				return nil, fmt.Errorf("decode event data %d: %w", r.ID, err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// History returns every event for one entry, oldest first.
func (db *DB) History(entryID string) ([]Record, error) {
	rows, err := db.Query(`
		SELECT id, kind, sequence, weight, at FROM events WHERE entry_id = ? ORDER BY id
	`, entryID)
	if err != nil {
		return nil, fmt.Errorf("entry history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		r := Record{EntryID: entryID}
		var seq int64
		if err := rows.Scan(&r.ID, &r.Kind, &seq, &r.Weight, &r.At); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.Sequence = uint64(seq)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Counts returns the number of journaled events per kind.
func (db *DB) Counts() (map[string]int, error) {
	rows, err := db.Query("SELECT kind, COUNT(*) FROM events GROUP BY kind")
	if err != nil {
		return nil, fmt.Errorf("count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		counts[kind] = n
	}
	return counts, rows.Err()
}
