// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/abcxyz/webhook-correlator/pkg/events"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	type TEXT NOT NULL,
	action TEXT NOT NULL DEFAULT '',
	received_at TIMESTAMPTZ NOT NULL,
	payload JSONB NOT NULL,
	raw_bytes_hash TEXT NOT NULL,
	semantic_key TEXT NOT NULL,
	status TEXT NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS events_content_dedup
	ON events (semantic_key, raw_bytes_hash, received_at);

CREATE TABLE IF NOT EXISTS event_history (
	event_id TEXT NOT NULL,
	status TEXT NOT NULL,
	retry_count INT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS queue_entries (
	entry_id TEXT PRIMARY KEY,
	event_id TEXT NOT NULL REFERENCES events (id),
	priority INT NOT NULL,
	scheduled_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	max_retries INT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS queue_entries_one_active_per_event
	ON queue_entries (event_id) WHERE status IN ('pending', 'processing');

CREATE TABLE IF NOT EXISTS workflows (
	workflow_id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	triggering_event_id TEXT NOT NULL,
	completing_event_id TEXT NOT NULL DEFAULT '',
	last_event_id TEXT NOT NULL,
	event_ids JSONB NOT NULL DEFAULT '[]',
	identifiers JSONB NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS correlations (
	kind TEXT NOT NULL,
	value TEXT NOT NULL,
	workflow_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS correlations_by_identifier
	ON correlations (kind, value);
`

// Postgres implements Store over a Postgres database.
type Postgres struct {
	db *sqlx.DB
}

var _ Store = (*Postgres)(nil)

// NewPostgres opens a connection pool against the given DSN.
func NewPostgres(ctx context.Context, dsn string, maxConns int) (*Postgres, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing connection, primarily for tests.
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: sqlx.NewDb(db, "pgx")}
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// eventRow adds the raw payload column to the event record for scanning.
type eventRow struct {
	events.Event
	PayloadRaw []byte `db:"payload"`
}

func (r *eventRow) toEvent() (*events.Event, error) {
	ev := r.Event
	if len(r.PayloadRaw) > 0 {
		if err := json.Unmarshal(r.PayloadRaw, &ev.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
		}
	}
	return &ev, nil
}

func (p *Postgres) InsertEvent(ctx context.Context, ev *events.Event, entry *events.QueueEntry, contentSince time.Time) (outcome InsertOutcome, retErr error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	// Serialize inserts of identical content so the window check below and
	// the insert are atomic across concurrent deliveries.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		ev.SemanticKey+"\x00"+ev.RawBytesHash); err != nil {
		return 0, fmt.Errorf("failed to take content lock: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, provider, type, action, received_at, payload, raw_bytes_hash, semantic_key, status, retry_count, last_error)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		WHERE NOT EXISTS (
			SELECT 1 FROM events
			WHERE semantic_key = $8 AND semantic_key <> ''
				AND raw_bytes_hash = $7 AND received_at >= $12
		)
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Provider, ev.Type, ev.Action, ev.ReceivedAt, payload,
		ev.RawBytesHash, ev.SemanticKey, ev.Status, ev.RetryCount, ev.LastError,
		contentSince)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := tx.GetContext(ctx, &exists, `
			SELECT EXISTS (SELECT 1 FROM events WHERE id = $1)`, ev.ID); err != nil {
			return 0, fmt.Errorf("failed to classify refused insert: %w", err)
		}
		_ = tx.Rollback()
		if exists {
			return DuplicateDelivery, nil
		}
		return DuplicateContent, nil
	}

	if entry != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO queue_entries (entry_id, event_id, priority, scheduled_at, status, retry_count, max_retries, last_error, started_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			entry.EntryID, entry.EventID, entry.Priority, entry.ScheduledAt, entry.Status,
			entry.RetryCount, entry.MaxRetries, entry.LastError, entry.StartedAt, entry.CompletedAt); err != nil {
			return 0, fmt.Errorf("failed to insert queue entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return Inserted, nil
}

func (p *Postgres) GetEvent(ctx context.Context, id string) (*events.Event, error) {
	var row eventRow
	if err := p.db.GetContext(ctx, &row, `
		SELECT id, provider, type, action, received_at, payload, raw_bytes_hash, semantic_key, status, retry_count, last_error
		FROM events WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("event %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return row.toEvent()
}

func (p *Postgres) UpdateEventStatus(ctx context.Context, id string, status events.Status, retryCount int, lastError string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE events SET status = $2, retry_count = $3, last_error = $4
		WHERE id = $1 AND status <> 'processed'`,
		id, status, retryCount, lastError)
	if err != nil {
		return fmt.Errorf("failed to update event status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("event %q is processed or missing: %w", id, ErrConflict)
	}
	return nil
}

func (p *Postgres) ResetEventForReplay(ctx context.Context, id string) (retErr error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO event_history (event_id, status, retry_count, last_error, recorded_at)
		SELECT id, status, retry_count, last_error, NOW() FROM events WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to record event history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("event %q: %w", id, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE events SET status = 'received', retry_count = 0, last_error = '' WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to reset event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (p *Postgres) PruneEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM events
		WHERE status IN ('processed', 'failed', 'duplicate') AND received_at < $1
		AND NOT EXISTS (SELECT 1 FROM queue_entries q WHERE q.event_id = events.id)`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

const entryColumns = `entry_id, event_id, priority, scheduled_at, status, retry_count, max_retries, last_error, started_at, completed_at`

func (p *Postgres) ActiveEntries(ctx context.Context) ([]*events.QueueEntry, error) {
	var entries []*events.QueueEntry
	if err := p.db.SelectContext(ctx, &entries, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE status IN ('pending', 'processing')
		ORDER BY priority DESC, scheduled_at ASC, entry_id ASC`); err != nil {
		return nil, fmt.Errorf("failed to load active entries: %w", err)
	}
	return entries, nil
}

func (p *Postgres) ResetProcessingEntries(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = 'pending', started_at = NULL
		WHERE status = 'processing'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset processing entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

func (p *Postgres) InsertEntry(ctx context.Context, entry *events.QueueEntry) error {
	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO queue_entries (entry_id, event_id, priority, scheduled_at, status, retry_count, max_retries, last_error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.EntryID, entry.EventID, entry.Priority, entry.ScheduledAt, entry.Status,
		entry.RetryCount, entry.MaxRetries, entry.LastError, entry.StartedAt, entry.CompletedAt); err != nil {
		return fmt.Errorf("failed to insert queue entry: %w", err)
	}
	return nil
}

func (p *Postgres) ActiveEntryForEvent(ctx context.Context, eventID string) (*events.QueueEntry, error) {
	var entry events.QueueEntry
	if err := p.db.GetContext(ctx, &entry, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE event_id = $1 AND status IN ('pending', 'processing')`, eventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("entry for event %q: %w", eventID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get active entry: %w", err)
	}
	return &entry, nil
}

func (p *Postgres) ClaimEntry(ctx context.Context, entryID string, startedAt time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = 'processing', started_at = $2
		WHERE entry_id = $1 AND status = 'pending'`, entryID, startedAt)
	if err != nil {
		return false, fmt.Errorf("failed to claim entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

func (p *Postgres) CompleteEntry(ctx context.Context, entryID string, completedAt time.Time) error {
	if _, err := p.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = 'completed', completed_at = $2
		WHERE entry_id = $1`, entryID, completedAt); err != nil {
		return fmt.Errorf("failed to complete entry: %w", err)
	}
	return nil
}

func (p *Postgres) RescheduleEntry(ctx context.Context, entryID string, scheduledAt time.Time, retryCount int, lastError string) error {
	if _, err := p.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = 'pending', scheduled_at = $2, retry_count = $3, last_error = $4, started_at = NULL
		WHERE entry_id = $1`, entryID, scheduledAt, retryCount, lastError); err != nil {
		return fmt.Errorf("failed to reschedule entry: %w", err)
	}
	return nil
}

func (p *Postgres) DeadEntry(ctx context.Context, entryID, lastError string, at time.Time) error {
	if _, err := p.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = 'dead', last_error = $2, completed_at = $3
		WHERE entry_id = $1`, entryID, lastError, at); err != nil {
		return fmt.Errorf("failed to dead-letter entry: %w", err)
	}
	return nil
}

func (p *Postgres) DeadEntries(ctx context.Context, limit int) ([]*events.QueueEntry, error) {
	var entries []*events.QueueEntry
	if err := p.db.SelectContext(ctx, &entries, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE status = 'dead'
		ORDER BY completed_at DESC
		LIMIT $1`, limit); err != nil {
		return nil, fmt.Errorf("failed to load dead entries: %w", err)
	}
	return entries, nil
}

func (p *Postgres) CancelPendingEntries(ctx context.Context, eventIDs []string, at time.Time) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`
		UPDATE queue_entries SET status = 'completed', completed_at = ?, last_error = 'cancelled: workflow completed'
		WHERE status = 'pending' AND event_id IN (?)`, at, eventIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to build cancel query: %w", err)
	}
	res, err := p.db.ExecContext(ctx, p.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

func (p *Postgres) PruneEntries(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM queue_entries
		WHERE status IN ('completed', 'failed', 'dead') AND completed_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// workflowRow adds the raw jsonb columns for scanning.
type workflowRow struct {
	events.Workflow
	EventIDsRaw    []byte `db:"event_ids"`
	IdentifiersRaw []byte `db:"identifiers"`
}

func (r *workflowRow) toWorkflow() (*events.Workflow, error) {
	wf := r.Workflow
	if len(r.EventIDsRaw) > 0 {
		if err := json.Unmarshal(r.EventIDsRaw, &wf.EventIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow event ids: %w", err)
		}
	}
	if len(r.IdentifiersRaw) > 0 {
		if err := json.Unmarshal(r.IdentifiersRaw, &wf.Identifiers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow identifiers: %w", err)
		}
	}
	return &wf, nil
}

const workflowColumns = `workflow_id, type, status, created_at, updated_at, completed_at, triggering_event_id, completing_event_id, last_event_id, event_ids, identifiers`

func (p *Postgres) InsertWorkflow(ctx context.Context, wf *events.Workflow) (retErr error) {
	eventIDs, err := json.Marshal(wf.EventIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow event ids: %w", err)
	}
	identifiers, err := json.Marshal(wf.Identifiers)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow identifiers: %w", err)
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflows (workflow_id, type, status, created_at, updated_at, completed_at, triggering_event_id, completing_event_id, last_event_id, event_ids, identifiers)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		wf.WorkflowID, wf.Type, wf.Status, wf.CreatedAt, wf.UpdatedAt, wf.CompletedAt,
		wf.TriggeringEventID, wf.CompletingEventID, wf.LastEventID, eventIDs, identifiers); err != nil {
		return fmt.Errorf("failed to insert workflow: %w", err)
	}

	for _, id := range wf.Identifiers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO correlations (kind, value, workflow_id, event_id, ts)
			VALUES ($1, $2, $3, $4, $5)`,
			id.Kind, id.Value, wf.WorkflowID, wf.TriggeringEventID, wf.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert correlation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (p *Postgres) GetWorkflow(ctx context.Context, id string) (*events.Workflow, error) {
	var row workflowRow
	if err := p.db.GetContext(ctx, &row, `
		SELECT `+workflowColumns+` FROM workflows WHERE workflow_id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("workflow %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return row.toWorkflow()
}

func (p *Postgres) AppendWorkflowEvent(ctx context.Context, workflowID, eventID string, ts time.Time) error {
	// Rebuilds the member list ordered by receipt time, so retried or
	// higher-priority events landing out of order do not scramble it.
	// Members whose event rows are already pruned keep a stable slot at
	// the front.
	if _, err := p.db.ExecContext(ctx, `
		UPDATE workflows AS w
		SET event_ids = (
				SELECT jsonb_agg(x.id ORDER BY x.received_at ASC, x.id ASC)
				FROM (
					SELECT t.id, COALESCE(e.received_at, 'epoch'::timestamptz) AS received_at
					FROM (
						SELECT jsonb_array_elements_text(w.event_ids) AS id
						UNION
						SELECT $2::text
					) t
					LEFT JOIN events e ON e.id = t.id
				) x
			),
			last_event_id = $2,
			updated_at = $3
		WHERE w.workflow_id = $1 AND NOT jsonb_exists(w.event_ids, $2)`,
		workflowID, eventID, ts); err != nil {
		return fmt.Errorf("failed to append workflow event: %w", err)
	}
	return nil
}

func (p *Postgres) CompleteWorkflow(ctx context.Context, workflowID, completingEventID string, at time.Time) error {
	if _, err := p.db.ExecContext(ctx, `
		UPDATE workflows
		SET status = 'completed', completed_at = $3, completing_event_id = $2, updated_at = $3
		WHERE workflow_id = $1 AND status = 'active'`,
		workflowID, completingEventID, at); err != nil {
		return fmt.Errorf("failed to complete workflow: %w", err)
	}
	return nil
}

func (p *Postgres) InsertCorrelations(ctx context.Context, workflowID, eventID string, ids []events.Identifier, ts time.Time) error {
	for _, id := range ids {
		if _, err := p.db.ExecContext(ctx, `
			INSERT INTO correlations (kind, value, workflow_id, event_id, ts)
			VALUES ($1, $2, $3, $4, $5)`,
			id.Kind, id.Value, workflowID, eventID, ts); err != nil {
			return fmt.Errorf("failed to insert correlation: %w", err)
		}
	}
	return nil
}

func (p *Postgres) WorkflowIDsForIdentifiers(ctx context.Context, ids []events.Identifier) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT DISTINCT workflow_id FROM correlations WHERE `
	args := make([]any, 0, len(ids)*2)
	for i, id := range ids {
		if i > 0 {
			query += ` OR `
		}
		query += fmt.Sprintf(`(kind = $%d AND value = $%d)`, len(args)+1, len(args)+2)
		args = append(args, id.Kind, id.Value)
	}

	var workflowIDs []string
	if err := p.db.SelectContext(ctx, &workflowIDs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to lookup correlations: %w", err)
	}
	return workflowIDs, nil
}

func (p *Postgres) ActiveWorkflows(ctx context.Context, workflowIDs []string) ([]*events.Workflow, error) {
	if len(workflowIDs) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`
		SELECT `+workflowColumns+` FROM workflows
		WHERE status = 'active' AND workflow_id IN (?)`, workflowIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build workflows query: %w", err)
	}

	var rows []workflowRow
	if err := p.db.SelectContext(ctx, &rows, p.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to load active workflows: %w", err)
	}

	workflows := make([]*events.Workflow, 0, len(rows))
	for i := range rows {
		wf, err := rows[i].toWorkflow()
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

func (p *Postgres) PruneWorkflows(ctx context.Context, olderThan time.Time) (retN int64, retErr error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	// Identifier mappings outlive completion but not the TTL.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM correlations
		WHERE workflow_id IN (
			SELECT workflow_id FROM workflows
			WHERE status IN ('completed', 'abandoned') AND updated_at < $1
		)`, olderThan); err != nil {
		return 0, fmt.Errorf("failed to prune correlations: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM workflows
		WHERE status IN ('completed', 'abandoned') AND updated_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune workflows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return n, nil
}
