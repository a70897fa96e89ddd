// Package diag provides optional diagnostics consumers of the bus: a sqlite
// journal of unrecognized frames and a scheduled stats reporter. The core
// never depends on this package.
package diag

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/brightclass/relay/pkg/bus"
	"github.com/brightclass/relay/pkg/events"
	"github.com/brightclass/relay/pkg/logger"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS unrecognized_frames (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	received_at TEXT NOT NULL,
	source      TEXT NOT NULL,
	channel     TEXT,
	event       TEXT,
	reason      TEXT NOT NULL,
	raw         BLOB
);
CREATE INDEX IF NOT EXISTS idx_unrecognized_received ON unrecognized_frames(received_at);
`

// Journal persists every frame published on the unrecognized topic so
// malformed backend payloads can be inspected after the fact.
type Journal struct {
	db    *sql.DB
	bus   *bus.Bus
	token bus.Token
}

// OpenJournal opens (or creates) the sqlite journal at path and subscribes it
// to the unrecognized topic.
func OpenJournal(path string, b *bus.Bus) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if _, err := db.Exec(journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}

	j := &Journal{db: db, bus: b}
	j.token = b.Subscribe(events.TopicUnrecognized, j.record)
	logger.InfoCF("diag", "Unrecognized-frame journal open", map[string]interface{}{
		"path": path,
	})
	return j, nil
}

func (j *Journal) record(evt events.Envelope) {
	data, ok := evt.Data.(events.UnrecognizedPayload)
	if !ok {
		return
	}
	_, err := j.db.Exec(
		`INSERT INTO unrecognized_frames (received_at, source, channel, event, reason, raw) VALUES (?, ?, ?, ?, ?, ?)`,
		evt.Timestamp.Format(time.RFC3339Nano), evt.Source, data.Channel, data.Event, data.Reason, data.Raw,
	)
	if err != nil {
		logger.ErrorCF("diag", "Journal insert failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// Count returns the number of journaled frames.
func (j *Journal) Count() (int64, error) {
	var n int64
	err := j.db.QueryRow(`SELECT COUNT(*) FROM unrecognized_frames`).Scan(&n)
	return n, err
}

// Entry is one journaled frame.
type Entry struct {
	ReceivedAt string
	Source     string
	Channel    string
	Event      string
	Reason     string
	Raw        []byte
}

// Recent returns the newest n entries, newest first.
func (j *Journal) Recent(n int) ([]Entry, error) {
	rows, err := j.db.Query(
		`SELECT received_at, source, channel, event, reason, raw FROM unrecognized_frames ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var channel, event sql.NullString
		if err := rows.Scan(&e.ReceivedAt, &e.Source, &channel, &event, &e.Reason, &e.Raw); err != nil {
			return nil, err
		}
		e.Channel = channel.String
		e.Event = event.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close detaches from the bus and closes the database.
func (j *Journal) Close() error {
	j.bus.Unsubscribe(j.token)
	return j.db.Close()
}
