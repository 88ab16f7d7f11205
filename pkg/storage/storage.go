// Package storage keeps a journal of display updates in SQLite so a session
// can be reviewed after the fact.
package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/eapache/channels"
	_ "github.com/mattn/go-sqlite3"

	"github.com/shaneisley/cuedelay/pkg/cue"
	"github.com/shaneisley/cuedelay/pkg/logging"
)

// Entry kinds
const (
	KindShow  = "show"
	KindClear = "clear"
)

// Entry is one recorded display update
type Entry struct {
	ID      int64     `json:"id"`
	Session string    `json:"session"`
	Time    time.Time `json:"time"`
	Kind    string    `json:"kind"`
	Count   int       `json:"count"`
	Texts   []string  `json:"texts"`
}

// Journal stores display updates in a SQLite database
type Journal struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

// Open opens or creates the journal at path
func Open(path string) (*Journal, error) {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	journal := &Journal{
		db:   db,
		path: path,
	}

	if err := journal.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}

	return journal, nil
}

// initSchema creates the journal table
func (j *Journal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS deliveries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session TEXT NOT NULL,
		delivered_at INTEGER NOT NULL,
		kind TEXT NOT NULL,
		cue_count INTEGER NOT NULL,
		texts TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_deliveries_time ON deliveries(delivered_at);
	CREATE INDEX IF NOT EXISTS idx_deliveries_session ON deliveries(session);
	`

	_, err := j.db.Exec(schema)
	return err
}

// Path returns the database file path
func (j *Journal) Path() string {
	return j.path
}

// Record appends an entry. Kind and Count are derived from Texts when unset.
func (j *Journal) Record(entry Entry) (int64, error) {
	if entry.Texts == nil {
		entry.Texts = []string{}
	}
	if entry.Kind == "" {
		entry.Kind = KindShow
		if len(entry.Texts) == 0 {
			entry.Kind = KindClear
		}
	}
	if entry.Count == 0 {
		entry.Count = len(entry.Texts)
	}

	texts, err := json.Marshal(entry.Texts)
	if err != nil {
		return 0, fmt.Errorf("failed to encode cue texts: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	result, err := j.db.Exec(`
	INSERT INTO deliveries (session, delivered_at, kind, cue_count, texts)
	VALUES (?, ?, ?, ?, ?)`,
		entry.Session, entry.Time.UnixNano(), entry.Kind, entry.Count, string(texts))
	if err != nil {
		return 0, fmt.Errorf("failed to record delivery: %w", err)
	}
	return result.LastInsertId()
}

// Recent returns the most recent limit entries, oldest first. A limit of
// zero or less returns everything.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	query := `
	SELECT id, session, delivered_at, kind, cue_count, texts FROM (
		SELECT * FROM deliveries ORDER BY id DESC LIMIT ?
	) ORDER BY id ASC`
	if limit <= 0 {
		limit = -1
	}
	return j.query(query, limit)
}

// Range returns entries delivered in [start, end), oldest first
func (j *Journal) Range(start, end time.Time) ([]Entry, error) {
	query := `
	SELECT id, session, delivered_at, kind, cue_count, texts
	FROM deliveries
	WHERE delivered_at >= ? AND delivered_at < ?
	ORDER BY delivered_at ASC, id ASC`
	return j.query(query, start.UnixNano(), end.UnixNano())
}

// Session returns every entry recorded for session, oldest first
func (j *Journal) Session(session string) ([]Entry, error) {
	query := `
	SELECT id, session, delivered_at, kind, cue_count, texts
	FROM deliveries
	WHERE session = ?
	ORDER BY id ASC`
	return j.query(query, session)
}

// Count returns the number of recorded entries
func (j *Journal) Count() (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var count int
	if err := j.db.QueryRow(`SELECT COUNT(*) FROM deliveries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count deliveries: %w", err)
	}
	return count, nil
}

// ExportJSON exports every entry as JSON
func (j *Journal) ExportJSON() ([]byte, error) {
	entries, err := j.Recent(0)
	if err != nil {
		return nil, err
	}
	return json.Marshal(entries)
}

// Clear removes every entry
func (j *Journal) Clear() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.db.Exec(`DELETE FROM deliveries`); err != nil {
		return fmt.Errorf("failed to clear journal: %w", err)
	}
	return nil
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) query(query string, args ...interface{}) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var entry Entry
		var deliveredAt int64
		var texts string
		if err := rows.Scan(&entry.ID, &entry.Session, &deliveredAt, &entry.Kind, &entry.Count, &texts); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		entry.Time = time.Unix(0, deliveredAt)
		if err := json.Unmarshal([]byte(texts), &entry.Texts); err != nil {
			return nil, fmt.Errorf("failed to decode cue texts for delivery %d: %w", entry.ID, err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Displayer is anything that can show a batch of cues
type Displayer interface {
	Display(cues []cue.Cue)
}

// Recorder journals every display update on its own goroutine and forwards
// the update to the next displayer. Display never waits on the database; every
// update is kept, in order, until the writer catches up.
type Recorder struct {
	journal *Journal
	next    Displayer
	session string
	now     func() time.Time
	logger  *logging.Logger
	queue   *channels.InfiniteChannel

	mu     sync.Mutex
	closed bool
	failed int
	done   chan struct{}
}

// NewRecorder records updates for session and forwards them to next, which may be nil
func NewRecorder(journal *Journal, next Displayer, session string, now func() time.Time, logger *logging.Logger) *Recorder {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = logging.Discard()
	}
	r := &Recorder{
		journal: journal,
		next:    next,
		session: session,
		now:     now,
		logger:  logger.WithComponent("journal"),
		queue:   channels.NewInfiniteChannel(),
		done:    make(chan struct{}),
	}
	go r.writer()
	return r
}

// Display queues cues for the journal and forwards them. Updates arriving
// after Close are forwarded but not recorded.
func (r *Recorder) Display(cues []cue.Cue) {
	r.mu.Lock()
	if !r.closed {
		r.queue.In() <- Entry{
			Session: r.session,
			Time:    r.now(),
			Texts:   cue.Texts(cues),
		}
	}
	r.mu.Unlock()

	if r.next != nil {
		r.next.Display(cues)
	}
}

// Close writes every queued update and stops the writer
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		r.queue.Close()
	}
	r.mu.Unlock()

	<-r.done
}

// Failed returns the number of updates that could not be recorded
func (r *Recorder) Failed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

func (r *Recorder) writer() {
	defer close(r.done)
	for item := range r.queue.Out() {
		entry := item.(Entry)
		if _, err := r.journal.Record(entry); err != nil {
			r.mu.Lock()
			r.failed++
			r.mu.Unlock()
			r.logger.LogError("record_delivery", err, "session", entry.Session, "cues", len(entry.Texts))
		}
	}
}
