package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lucsky/cuid"
	"github.com/remindmeorg/remindbot/database/db"
	"github.com/remindmeorg/remindbot/model"
)

// Keys into the bot_state table.
const (
	StateKeyCursor           = "last_mention_id"
	StateKeyLastIngestTick   = "last_ingest_tick"
	StateKeyLastDispatchTick = "last_dispatch_tick"
)

type Database struct {
	connString string
	pool       *pgxpool.Pool
}

func NewDatabase(connString string) *Database {
	return &Database{
		connString: connString,
	}
}

func (d *Database) Connect(ctx context.Context) error {
	var err error
	d.pool, err = pgxpool.New(ctx, d.connString)
	if err != nil {
		return err
	}
	return d.createTables(ctx)
}

func (d *Database) Disconnect() {
	d.pool.Close()
}

// There is no migration tooling around this deployment, so the schema is
// idempotently created on connect.
func (d *Database) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS processed_mentions (
			id            text PRIMARY KEY,
			author_handle text NOT NULL,
			mention_text  text NOT NULL,
			seen_at       timestamptz NOT NULL,
			outcome       text NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reminders (
			id                text PRIMARY KEY,
			source_mention_id text NOT NULL UNIQUE REFERENCES processed_mentions (id),
			requester_handle  text NOT NULL,
			original_tweet_id text NOT NULL,
			reply_target      text NOT NULL,
			requested_seconds bigint NOT NULL CHECK (requested_seconds >= 1),
			created_at        timestamptz NOT NULL,
			fire_at           timestamptz NOT NULL,
			retry_at          timestamptz NOT NULL,
			status            text NOT NULL,
			attempt_count     int NOT NULL DEFAULT 0,
			claimed_at        timestamptz,
			last_error        text,
			delivered_at      timestamptz,
			reply_tweet_id    text
		)`,
		`CREATE INDEX IF NOT EXISTS reminders_due_idx ON reminders (status, fire_at)`,
		`CREATE TABLE IF NOT EXISTS bot_state (
			key        text PRIMARY KEY,
			value      text NOT NULL,
			updated_at timestamptz NOT NULL
		)`,
	}
	for _, statement := range statements {
		if _, err := d.pool.Exec(ctx, statement); err != nil {
			return err
		}
	}
	return nil
}

func (d *Database) MentionProcessed(ctx context.Context, mentionID string) (bool, error) {
	var exists bool
	err := d.pool.QueryRow(ctx, `
	SELECT EXISTS (SELECT 1 FROM processed_mentions WHERE id = $1)`,
		mentionID,
	).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// RecordMention stores a mention that produced no reminder (rejected or
// ignored). Re-recording the same mention ID is a no-op.
func (d *Database) RecordMention(ctx context.Context, mention model.ProcessedMention) error {
	_, err := d.pool.Exec(ctx, `
	INSERT INTO processed_mentions (id, author_handle, mention_text, seen_at, outcome)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO NOTHING`,
		mention.ID,
		mention.AuthorHandle,
		mention.Text,
		time.Now().UTC(), // the DB stores timezones and assumes UTC
		mention.Outcome,
	)
	return err
}

/*
ScheduleReminder commits the processed-mention record and its reminder in
one transaction, so a mention can never end up marked processed without its
reminder or the other way around. If the mention was already recorded by an
earlier overlapping fetch, nothing is inserted and the returned ID is
empty.
*/
func (d *Database) ScheduleReminder(ctx context.Context, mention model.ProcessedMention, reminder model.Reminder) (string, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
	INSERT INTO processed_mentions (id, author_handle, mention_text, seen_at, outcome)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO NOTHING`,
		mention.ID,
		mention.AuthorHandle,
		mention.Text,
		time.Now().UTC(),
		model.OutcomeScheduled,
	)
	if err != nil {
		return "", err
	}
	if tag.RowsAffected() == 0 {
		// Someone already processed this mention; the reminder exists
		return "", nil
	}

	reminderID := cuid.New()
	_, err = tx.Exec(ctx, `
	INSERT INTO reminders (
		id, source_mention_id, requester_handle, original_tweet_id, reply_target,
		requested_seconds, created_at, fire_at, retry_at, status, attempt_count
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8, $9, 0)`,
		reminderID,
		mention.ID,
		reminder.RequesterHandle,
		reminder.OriginalTweetID,
		reminder.ReplyTarget,
		reminder.RequestedSeconds,
		reminder.CreatedAt,
		reminder.FireAt, // retry_at starts at fire_at
		model.StatusPending,
	)
	if err != nil {
		return "", err
	}

	if err = tx.Commit(ctx); err != nil {
		return "", err
	}
	return reminderID, nil
}

func (d *Database) Cursor(ctx context.Context) (string, error) {
	var value string
	err := d.pool.QueryRow(ctx, `
	SELECT value FROM bot_state WHERE key = $1`,
		StateKeyCursor,
	).Scan(&value)
	if err != nil {
		// No cursor yet means ingestion starts from the full timeline
		if err == pgx.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

func (d *Database) SetCursor(ctx context.Context, mentionID string) error {
	return d.setState(ctx, StateKeyCursor, mentionID)
}

// TouchTick records when a tick last completed, for the health surface.
func (d *Database) TouchTick(ctx context.Context, key string) error {
	return d.setState(ctx, key, time.Now().UTC().Format(time.RFC3339))
}

func (d *Database) setState(ctx context.Context, key string, value string) error {
	_, err := d.pool.Exec(ctx, `
	INSERT INTO bot_state (key, value, updated_at) VALUES ($1, $2, $3)
	ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key,
		value,
		time.Now().UTC(),
	)
	return err
}

// DueReminders returns pending reminders whose fire time and backoff floor
// have both passed, oldest fire time first so late reminders are never
// starved by newer ones.
func (d *Database) DueReminders(ctx context.Context, now time.Time) ([]model.Reminder, error) {
	rows, err := d.pool.Query(ctx, `
	SELECT
		id,
		source_mention_id,
		requester_handle,
		original_tweet_id,
		reply_target,
		requested_seconds,
		created_at,
		fire_at,
		retry_at,
		status,
		attempt_count,
		claimed_at,
		last_error,
		delivered_at,
		reply_tweet_id
	FROM reminders
	WHERE status = $1
	  AND fire_at <= $2
	  AND retry_at <= $2
	ORDER BY fire_at ASC`,
		model.StatusPending,
		now.UTC(),
	)
	if err != nil {
		return nil, err
	}

	raws, err := pgx.CollectRows(rows, pgx.RowToStructByName[db.Reminder])
	if err != nil {
		return nil, err
	}

	var reminders []model.Reminder
	for _, raw := range raws {
		reminder, err := model.ReminderFromRow(raw)
		if err != nil {
			return nil, err
		}
		reminders = append(reminders, *reminder)
	}
	return reminders, nil
}

// ClaimReminder is the conditional PENDING -> DELIVERING transition. Only
// one caller can win it, which is what makes overlapping dispatch ticks
// safe without a separate lock.
func (d *Database) ClaimReminder(ctx context.Context, reminderID string) (bool, error) {
	tag, err := d.pool.Exec(ctx, `
	UPDATE reminders SET status = $1, claimed_at = $2 WHERE id = $3 AND status = $4`,
		model.StatusDelivering,
		time.Now().UTC(),
		reminderID,
		model.StatusPending,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RequeueStaleDeliveries returns reminders stuck in DELIVERING since before
// staleBefore to PENDING. A claim only goes stale when the process died or a
// tick was cut off between claiming and recording the outcome, so sweeping
// these back keeps a crashed dispatch from losing reminders forever.
func (d *Database) RequeueStaleDeliveries(ctx context.Context, staleBefore time.Time) (int, error) {
	tag, err := d.pool.Exec(ctx, `
	UPDATE reminders
	SET status = $1, claimed_at = NULL
	WHERE status = $2 AND claimed_at < $3`,
		model.StatusPending,
		model.StatusDelivering,
		staleBefore.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (d *Database) MarkDelivered(ctx context.Context, reminderID string, replyTweetID string) error {
	_, err := d.pool.Exec(ctx, `
	UPDATE reminders
	SET status = $1, delivered_at = $2, reply_tweet_id = $3, last_error = NULL
	WHERE id = $4 AND status = $5`,
		model.StatusDelivered,
		time.Now().UTC(),
		replyTweetID,
		reminderID,
		model.StatusDelivering,
	)
	return err
}

// MarkRetry returns a claimed reminder to PENDING with its backoff floor
// advanced, counting the failed attempt.
func (d *Database) MarkRetry(ctx context.Context, reminderID string, lastError string, retryAt time.Time) error {
	_, err := d.pool.Exec(ctx, `
	UPDATE reminders
	SET status = $1, attempt_count = attempt_count + 1, last_error = $2, retry_at = $3, claimed_at = NULL
	WHERE id = $4 AND status = $5`,
		model.StatusPending,
		lastError,
		retryAt.UTC(),
		reminderID,
		model.StatusDelivering,
	)
	return err
}

// MarkFailed is terminal; a FAILED reminder is never dispatched again.
func (d *Database) MarkFailed(ctx context.Context, reminderID string, lastError string) error {
	_, err := d.pool.Exec(ctx, `
	UPDATE reminders
	SET status = $1, attempt_count = attempt_count + 1, last_error = $2
	WHERE id = $3 AND status = $4`,
		model.StatusFailed,
		lastError,
		reminderID,
		model.StatusDelivering,
	)
	return err
}

func (d *Database) Stats(ctx context.Context) (*model.Stats, error) {
	stats := &model.Stats{
		Reminders: map[model.ReminderStatus]int{},
		Mentions:  map[model.Outcome]int{},
	}

	rows, err := d.pool.Query(ctx, `
	SELECT status, count(*) FROM reminders GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		parsed, err := model.ParseReminderStatus(status)
		if err != nil {
			return nil, err
		}
		stats.Reminders[parsed] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = d.pool.Query(ctx, `
	SELECT outcome, count(*) FROM processed_mentions GROUP BY outcome`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, err
		}
		parsed, err := model.ParseOutcome(outcome)
		if err != nil {
			return nil, err
		}
		stats.Mentions[parsed] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if stats.Cursor, err = d.Cursor(ctx); err != nil {
		return nil, err
	}
	if stats.LastIngestTick, err = d.tickTime(ctx, StateKeyLastIngestTick); err != nil {
		return nil, err
	}
	if stats.LastDispatchTick, err = d.tickTime(ctx, StateKeyLastDispatchTick); err != nil {
		return nil, err
	}
	return stats, nil
}

func (d *Database) tickTime(ctx context.Context, key string) (*time.Time, error) {
	var value string
	err := d.pool.QueryRow(ctx, `
	SELECT value FROM bot_state WHERE key = $1`,
		key,
	).Scan(&value)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

// RecentMentions lists the latest processed mentions, newest first, for the
// status page.
func (d *Database) RecentMentions(ctx context.Context, limit int) ([]model.ProcessedMention, error) {
	rows, err := d.pool.Query(ctx, `
	SELECT id, author_handle, mention_text, seen_at, outcome
	FROM processed_mentions
	ORDER BY seen_at DESC
	LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}

	raws, err := pgx.CollectRows(rows, pgx.RowToStructByName[db.ProcessedMention])
	if err != nil {
		return nil, err
	}

	var mentions []model.ProcessedMention
	for _, raw := range raws {
		mention, err := model.MentionFromProcessedMention(raw)
		if err != nil {
			return nil, err
		}
		mentions = append(mentions, *mention)
	}
	return mentions, nil
}

// UpcomingReminders lists the next pending reminders for the status page.
func (d *Database) UpcomingReminders(ctx context.Context, limit int) ([]model.Reminder, error) {
	rows, err := d.pool.Query(ctx, `
	SELECT
		id,
		source_mention_id,
		requester_handle,
		original_tweet_id,
		reply_target,
		requested_seconds,
		created_at,
		fire_at,
		retry_at,
		status,
		attempt_count,
		claimed_at,
		last_error,
		delivered_at,
		reply_tweet_id
	FROM reminders
	WHERE status = $1
	ORDER BY fire_at ASC
	LIMIT $2`,
		model.StatusPending,
		limit,
	)
	if err != nil {
		return nil, err
	}

	raws, err := pgx.CollectRows(rows, pgx.RowToStructByName[db.Reminder])
	if err != nil {
		return nil, err
	}

	var reminders []model.Reminder
	for _, raw := range raws {
		reminder, err := model.ReminderFromRow(raw)
		if err != nil {
			return nil, err
		}
		reminders = append(reminders, *reminder)
	}
	return reminders, nil
}
