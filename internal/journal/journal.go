// Package journal implements the Event Journal (spec.md section 4.1): a
// durable, append-only record of every connection lifecycle marker,
// received line, and sent line, that simultaneously serves as the replay
// source and the live event stream for the Processor.
//
// The storage technology follows the teacher's internal/storage/database.go:
// a single-connection, WAL-mode SQLite database accessed through
// github.com/jmoiron/sqlx, with all mutation serialized through one
// goroutine so that appends are committed in a strict total order and are
// visible to subscribers only after commit.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mamirc/mamirc/internal/logger"
)

// Kind identifies the category of a journaled line, per spec.md section 3.
type Kind int

const (
	KindConnection Kind = iota
	KindReceive
	KindSend
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "CONNECTION"
	case KindReceive:
		return "RECEIVE"
	case KindSend:
		return "SEND"
	default:
		return "UNKNOWN"
	}
}

// ParseKind is String's inverse, used when decoding events streamed over
// the Control Port.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "CONNECTION":
		return KindConnection, true
	case "RECEIVE":
		return KindReceive, true
	case "SEND":
		return KindSend, true
	default:
		return 0, false
	}
}

// Event is one immutable journal record.
type Event struct {
	GlobalSeq    int64 // monotonic across all connections; used for replay/subscribe handoff
	ConnID       int64
	Seq          int64 // monotonic within ConnID, starting at 0
	TimestampMs  int64
	Kind         Kind
	Line         []byte
}

type appendReq struct {
	connID int64
	kind   Kind
	line   []byte
	result chan<- appendResult
}

type appendResult struct {
	ev  Event
	err error
}

type subscribeReq struct {
	result chan<- subscribeResult
}

type subscribeResult struct {
	lastGlobalSeq int64
	ch            chan Event
}

type unsubscribeReq struct {
	ch chan Event
}

// Journal is the durable, totally-ordered event store.
type Journal struct {
	db      *sqlx.DB
	control chan interface{}
	done    chan struct{}

	nextSeq map[int64]int64 // per-connection next sequence number, writer-goroutine-owned
	subs    map[chan Event]struct{}
}

// Open opens (creating if necessary) the journal database at path.
func Open(path string) (*Journal, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}

	j := &Journal{
		db:      db,
		control: make(chan interface{}, 64),
		done:    make(chan struct{}),
		nextSeq: make(map[int64]int64),
		subs:    make(map[chan Event]struct{}),
	}
	if err := j.loadSeqCounters(); err != nil {
		db.Close()
		return nil, err
	}
	go j.run()
	return j, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	conn_id     INTEGER NOT NULL,
	seq         INTEGER NOT NULL,
	ts_ms       INTEGER NOT NULL,
	kind        INTEGER NOT NULL,
	line        BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS events_conn_seq ON events(conn_id, seq);
`

func (j *Journal) loadSeqCounters() error {
	rows, err := j.db.Query(`SELECT conn_id, MAX(seq) FROM events GROUP BY conn_id`)
	if err != nil {
		return fmt.Errorf("journal: load sequence counters: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var connID, maxSeq int64
		if err := rows.Scan(&connID, &maxSeq); err != nil {
			return err
		}
		j.nextSeq[connID] = maxSeq + 1
	}
	return rows.Err()
}

// run is the single writer/coordinator goroutine. All mutation of nextSeq
// and subs, and all inserts, happen here, which is what gives Append a
// strict total order and lets Subscribe hand off to replay without a gap
// or a duplicate.
func (j *Journal) run() {
	for req := range j.control {
		switch r := req.(type) {
		case *appendReq:
			ev, err := j.doAppend(r.connID, r.kind, r.line)
			r.result <- appendResult{ev: ev, err: err}
			if err == nil {
				j.broadcast(ev)
			}
		case *subscribeReq:
			ch := make(chan Event, 256)
			j.subs[ch] = struct{}{}
			var last int64
			if err := j.db.Get(&last, `SELECT IFNULL(MAX(id),0) FROM events`); err != nil {
				logger.Log.Error().Err(err).Msg("journal: read max id for subscribe")
			}
			r.result <- subscribeResult{lastGlobalSeq: last, ch: ch}
		case *unsubscribeReq:
			delete(j.subs, r.ch)
			close(r.ch)
		}
	}
}

func (j *Journal) doAppend(connID int64, kind Kind, line []byte) (Event, error) {
	seq := j.nextSeq[connID]
	ts := time.Now().UnixMilli()
	res, err := j.db.Exec(`INSERT INTO events(conn_id, seq, ts_ms, kind, line) VALUES (?,?,?,?,?)`,
		connID, seq, ts, int(kind), line)
	if err != nil {
		return Event{}, fmt.Errorf("journal: append: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Event{}, fmt.Errorf("journal: append: last insert id: %w", err)
	}
	j.nextSeq[connID] = seq + 1
	return Event{GlobalSeq: id, ConnID: connID, Seq: seq, TimestampMs: ts, Kind: kind, Line: line}, nil
}

func (j *Journal) broadcast(ev Event) {
	for ch := range j.subs {
		select {
		case ch <- ev:
		default:
			logger.Log.Warn().Int64("conn_id", ev.ConnID).Msg("journal: subscriber too slow, dropping event")
		}
	}
}

// Append assigns the next per-connection sequence number, timestamps, and
// durably commits the event, returning it. On error the caller must treat
// the connection as failed (spec.md section 4.1 Errors).
func (j *Journal) Append(connID int64, kind Kind, line []byte) (Event, error) {
	result := make(chan appendResult, 1)
	j.control <- &appendReq{connID: connID, kind: kind, line: line, result: result}
	r := <-result
	return r.ev, r.err
}

// Replay produces every event from the beginning, in commit order. The
// events channel is closed when replay completes or fails; errc is closed
// right after it, having first received the error if replay failed, so a
// receive from errc yields nil on success.
func (j *Journal) Replay(ctx context.Context) (<-chan Event, <-chan error) {
	out := make(chan Event, 256)
	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		defer close(out)
		rows, err := j.db.QueryxContext(ctx, `SELECT id, conn_id, seq, ts_ms, kind, line FROM events ORDER BY id ASC`)
		if err != nil {
			errc <- fmt.Errorf("journal: replay query: %w", err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			var ev Event
			var kind int
			if err := rows.Scan(&ev.GlobalSeq, &ev.ConnID, &ev.Seq, &ev.TimestampMs, &kind, &ev.Line); err != nil {
				errc <- fmt.Errorf("journal: replay scan: %w", err)
				return
			}
			ev.Kind = Kind(kind)
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err := rows.Err(); err != nil {
			errc <- err
		}
	}()
	return out, errc
}

// Subscription is a live handle returned by Subscribe.
type Subscription struct {
	Events <-chan Event
	ch     chan Event
	j      *Journal
}

// Close stops delivery to this subscription.
func (s *Subscription) Close() {
	s.j.control <- &unsubscribeReq{ch: s.ch}
}

// Subscribe registers for newly appended events and also returns the
// GlobalSeq of the newest event already committed at registration time, so
// that a caller performing "replay all, then stream new" can query
// Replay() up to that id and then switch to the subscription without a gap
// or a duplicate.
func (j *Journal) Subscribe() (*Subscription, int64) {
	result := make(chan subscribeResult, 1)
	j.control <- &subscribeReq{result: result}
	r := <-result
	return &Subscription{Events: r.ch, ch: r.ch, j: j}, r.lastGlobalSeq
}

// ReplayThenSubscribe implements spec.md 4.1's "replay all, then stream
// new" without a gap or a duplicate: it subscribes first (capturing the
// high-water mark), replays the database up to that mark, then forwards
// the live subscription. caughtUp is closed exactly once, the instant
// replay finishes and live forwarding begins, so a caller (the Control
// Port) can mark that transition for its own client. The events channel
// is closed when ctx is done or the journal is closed.
func (j *Journal) ReplayThenSubscribe(ctx context.Context) (events <-chan Event, caughtUp <-chan struct{}, errc <-chan error) {
	out := make(chan Event, 256)
	caught := make(chan struct{})
	errOut := make(chan error, 1)
	go func() {
		defer close(out)
		sub, highWater := j.Subscribe()
		defer sub.Close()

		rows, err := j.db.QueryxContext(ctx,
			`SELECT id, conn_id, seq, ts_ms, kind, line FROM events WHERE id <= ? ORDER BY id ASC`, highWater)
		if err != nil {
			errOut <- fmt.Errorf("journal: replay query: %w", err)
			close(caught)
			return
		}
		func() {
			defer rows.Close()
			for rows.Next() {
				var ev Event
				var kind int
				if err := rows.Scan(&ev.GlobalSeq, &ev.ConnID, &ev.Seq, &ev.TimestampMs, &kind, &ev.Line); err != nil {
					errOut <- fmt.Errorf("journal: replay scan: %w", err)
					return
				}
				ev.Kind = Kind(kind)
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()
		close(caught)

		for {
			select {
			case ev, ok := <-sub.Events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, caught, errOut
}

// Close shuts down the journal's writer goroutine and closes the database.
func (j *Journal) Close() error {
	close(j.control)
	return j.db.Close()
}
