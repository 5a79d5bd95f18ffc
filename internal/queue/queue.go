// Package queue implements the Postgres-backed durable job queue (spec
// §4.9): a pgmq-style read/send/delete/archive/set_vt table pair, with
// visibility-timeout heartbeats and exponential-backoff retry scheduling.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kosarica/game-ingest/internal/model"
	"github.com/kosarica/game-ingest/internal/pkg/cuid2"
)

// Message is one dequeued job with its queue-management metadata.
type Message struct {
	MsgID      int64
	ReadCt     int
	EnqueuedAt time.Time
	VT         time.Time
	Payload    model.IngestJob
}

// Queue wraps one named Postgres-backed queue (msgs + archive tables).
type Queue struct {
	db   *pgxpool.Pool
	name string
}

// New binds a Queue to a queue name; call EnsureSchema before first use.
func New(db *pgxpool.Pool, name string) *Queue {
	return &Queue{db: db, name: name}
}

func (q *Queue) msgsTable() string    { return fmt.Sprintf("queue_%s_msgs", q.name) }
func (q *Queue) archiveTable() string { return fmt.Sprintf("queue_%s_archive", q.name) }

// EnsureSchema idempotently creates the queue's backing tables if they do
// not already exist (spec §4.9 startup step).
func (q *Queue) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			msg_id      BIGSERIAL PRIMARY KEY,
			read_ct     INT NOT NULL DEFAULT 0,
			enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			vt          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			payload     JSONB NOT NULL,
			correlation_id TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[2]s (
			msg_id      BIGINT PRIMARY KEY,
			read_ct     INT NOT NULL,
			enqueued_at TIMESTAMPTZ NOT NULL,
			archived_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			payload     JSONB NOT NULL,
			correlation_id TEXT NOT NULL
		);
	`, q.msgsTable(), q.archiveTable())
	if _, err := q.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("queue: ensure schema %s: %w", q.name, err)
	}
	return nil
}

// Send enqueues one job, assigning a correlation id if the caller left it
// blank, and returns the new message id.
func (q *Queue) Send(ctx context.Context, job model.IngestJob) (int64, string, error) {
	if job.CorrelationID == "" {
		job.CorrelationID = cuid2.GeneratePrefixedId("job", cuid2.PrefixedIdOptions{})
	}
	if job.RequestedAt.IsZero() {
		job.RequestedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return 0, "", fmt.Errorf("queue: marshal job: %w", err)
	}

	var msgID int64
	query := fmt.Sprintf(`
		INSERT INTO %s (payload, correlation_id) VALUES ($1, $2) RETURNING msg_id
	`, q.msgsTable())
	if err := q.db.QueryRow(ctx, query, payload, job.CorrelationID).Scan(&msgID); err != nil {
		return 0, "", fmt.Errorf("queue: send: %w", err)
	}
	return msgID, job.CorrelationID, nil
}

// Read dequeues at most one message, setting its visibility timeout to
// now+vt and incrementing read_ct, skipping any message currently hidden
// by another reader's visibility timeout. Returns (nil, nil) when the
// queue is empty.
func (q *Queue) Read(ctx context.Context, vt time.Duration) (*Message, error) {
	query := fmt.Sprintf(`
		UPDATE %s SET vt = NOW() + $1::interval, read_ct = read_ct + 1
		WHERE msg_id = (
			SELECT msg_id FROM %s
			WHERE vt <= NOW()
			ORDER BY msg_id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING msg_id, read_ct, enqueued_at, vt, payload
	`, q.msgsTable(), q.msgsTable())

	var m Message
	var payload []byte
	err := q.db.QueryRow(ctx, query, fmt.Sprintf("%d seconds", int(vt.Seconds()))).
		Scan(&m.MsgID, &m.ReadCt, &m.EnqueuedAt, &m.VT, &payload)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: read: %w", err)
	}
	if err := json.Unmarshal(payload, &m.Payload); err != nil {
		// Poison message: caller archives immediately (spec §4.9 step 5).
		return &m, fmt.Errorf("queue: decode payload for msg %d: %w", m.MsgID, err)
	}
	return &m, nil
}

// Delete removes a message after successful processing.
func (q *Queue) Delete(ctx context.Context, msgID int64) error {
	_, err := q.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE msg_id = $1`, q.msgsTable()), msgID)
	if err != nil {
		return fmt.Errorf("queue: delete %d: %w", msgID, err)
	}
	return nil
}

// Archive moves a message (poison or retry-exhausted) out of the active
// table in a single step.
func (q *Queue) Archive(ctx context.Context, msgID int64) error {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("queue: archive %d: begin: %w", msgID, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	moveQuery := fmt.Sprintf(`
		INSERT INTO %s (msg_id, read_ct, enqueued_at, payload, correlation_id)
		SELECT msg_id, read_ct, enqueued_at, payload, correlation_id FROM %s WHERE msg_id = $1
	`, q.archiveTable(), q.msgsTable())
	if _, err := tx.Exec(ctx, moveQuery, msgID); err != nil {
		return fmt.Errorf("queue: archive %d: copy: %w", msgID, err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE msg_id = $1`, q.msgsTable()), msgID); err != nil {
		return fmt.Errorf("queue: archive %d: delete: %w", msgID, err)
	}
	return tx.Commit(ctx)
}

// SetVT extends (or shortens) a message's visibility timeout, used both
// by the heartbeat and by retry rescheduling.
func (q *Queue) SetVT(ctx context.Context, msgID int64, delay time.Duration) error {
	query := fmt.Sprintf(`UPDATE %s SET vt = NOW() + $2::interval WHERE msg_id = $1`, q.msgsTable())
	_, err := q.db.Exec(ctx, query, msgID, fmt.Sprintf("%d seconds", int(delay.Seconds())))
	if err != nil {
		return fmt.Errorf("queue: set_vt %d: %w", msgID, err)
	}
	return nil
}

// StuckMessages returns msg_ids whose read_ct has exceeded maxRetries but
// that are still sitting in the active table and not currently held by a
// reader's visibility timeout — i.e. retry-exhausted messages a worker
// crashed before it could archive. Used by the periodic sweeper as a
// second line of defense behind the worker's own archive-on-exhaustion
// path.
func (q *Queue) StuckMessages(ctx context.Context, maxRetries int) ([]int64, error) {
	query := fmt.Sprintf(`
		SELECT msg_id FROM %s WHERE read_ct > $1 AND vt <= NOW()
	`, q.msgsTable())
	rows, err := q.db.Query(ctx, query, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("queue: stuck messages: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("queue: stuck messages scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RetryDelay computes the exponential backoff for a message's next
// reschedule: base * 2^(read_ct-1), capped at max (spec testable
// property 9: base=5, max=300 → {5,10,20,40,80} for read_ct 1..5).
func RetryDelay(readCt, baseSecs, maxSecs int) time.Duration {
	if readCt < 1 {
		readCt = 1
	}
	delay := baseSecs
	for i := 1; i < readCt; i++ {
		delay *= 2
		if delay >= maxSecs {
			delay = maxSecs
			break
		}
	}
	if delay > maxSecs {
		delay = maxSecs
	}
	return time.Duration(delay) * time.Second
}
