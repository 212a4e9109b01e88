package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"instareply/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// claimTTL is how long a claim on an unprocessed event is honored before a
// competing worker may take it over. Long enough to cover one outbound call
// with its 10s timeout plus slack.
const claimTTL = 2 * time.Minute

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id            TEXT PRIMARY KEY,
	instagram_id  TEXT NOT NULL,
	kind          TEXT NOT NULL,
	source_id     TEXT NOT NULL,
	sender_id     TEXT NOT NULL DEFAULT '',
	recipient_id  TEXT NOT NULL DEFAULT '',
	media_id      TEXT NOT NULL DEFAULT '',
	parent_id     TEXT NOT NULL DEFAULT '',
	username      TEXT NOT NULL DEFAULT '',
	text          TEXT NOT NULL DEFAULT '',
	attachments   TEXT NOT NULL DEFAULT '[]',
	event_time    TIMESTAMP NOT NULL,
	processed     BOOLEAN NOT NULL DEFAULT FALSE,
	automation_id TEXT,
	reply_id      TEXT,
	replied_at    TIMESTAMP,
	error         TEXT,
	processed_at  TIMESTAMP,
	claimed_by    TEXT,
	claimed_at    TIMESTAMP,
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_pending ON events (processed, created_at);

CREATE TABLE IF NOT EXISTS accounts (
	instagram_id TEXT PRIMARY KEY,
	access_token TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS automations (
	id               TEXT PRIMARY KEY,
	instagram_id     TEXT NOT NULL,
	kind             TEXT NOT NULL,
	is_active        BOOLEAN NOT NULL DEFAULT TRUE,
	name             TEXT NOT NULL DEFAULT '',
	trigger_keywords TEXT NOT NULL DEFAULT '[]',
	reply_message    TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_automations_account ON automations (instagram_id, kind, is_active);

CREATE TABLE IF NOT EXISTS automation_logs (
	id              TEXT PRIMARY KEY,
	automation_id   TEXT NOT NULL,
	automation_name TEXT NOT NULL DEFAULT '',
	instagram_id    TEXT NOT NULL,
	triggered_by    TEXT NOT NULL DEFAULT '',
	trigger_text    TEXT NOT NULL DEFAULT '',
	reply_message   TEXT NOT NULL DEFAULT '',
	trigger_type    TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_logs (
	id         TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	data       TEXT NOT NULL DEFAULT '{}',
	success    BOOLEAN NOT NULL DEFAULT TRUE,
	error      TEXT,
	created_at TIMESTAMP NOT NULL
);
`

// Store wraps the SQL database holding events, accounts, automations and
// the audit ledgers. All access goes through an explicit handle; there is
// no package-level connection.
type Store struct {
	db *sqlx.DB
}

// Open connects to the database and ensures the schema exists.
// Supported drivers: "sqlite" (modernc, pure Go) and "postgres".
func Open(driver, dsn string) (*Store, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == "sqlite" {
		// modernc sqlite serializes writes; one connection avoids
		// SQLITE_BUSY under concurrent sweeps.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("driver", driver).Msg("Database connection established")
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertEvent persists a normalized event as unprocessed and returns the
// store-assigned identifier. Insert-only; content is never rejected.
func (s *Store) InsertEvent(ctx context.Context, ev *models.Event) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.EventTime.IsZero() {
		ev.EventTime = ev.CreatedAt
	}

	query := s.db.Rebind(`INSERT INTO events
		(id, instagram_id, kind, source_id, sender_id, recipient_id, media_id, parent_id, username, text, attachments, event_time, processed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		ev.ID, ev.InstagramID, ev.Kind, ev.SourceID, ev.SenderID, ev.RecipientID,
		ev.MediaID, ev.ParentID, ev.Username, ev.Text, ev.Attachments, ev.EventTime,
		false, ev.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert event: %w", err)
	}
	return ev.ID, nil
}

// GetEvent fetches one event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var ev models.Event
	query := s.db.Rebind(`SELECT * FROM events WHERE id = ?`)
	if err := s.db.GetContext(ctx, &ev, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return &ev, nil
}

// FetchPending returns unprocessed events oldest first, bounded by limit.
// An empty kind fetches both messages and comments. Events without text are
// excluded: no keyword can ever match them, and letting them accumulate at
// the head of the queue would crowd matchable events out of the window.
func (s *Store) FetchPending(ctx context.Context, limit int, kind string) ([]models.Event, error) {
	var events []models.Event
	var err error
	if kind == "" {
		query := s.db.Rebind(`SELECT * FROM events WHERE processed = ? AND text <> '' ORDER BY created_at ASC, id ASC LIMIT ?`)
		err = s.db.SelectContext(ctx, &events, query, false, limit)
	} else {
		query := s.db.Rebind(`SELECT * FROM events WHERE processed = ? AND text <> '' AND kind = ? ORDER BY created_at ASC, id ASC LIMIT ?`)
		err = s.db.SelectContext(ctx, &events, query, false, kind, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch pending: %w", err)
	}
	return events, nil
}

// CountPending returns the number of unprocessed events.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	var n int
	query := s.db.Rebind(`SELECT COUNT(*) FROM events WHERE processed = ?`)
	if err := s.db.GetContext(ctx, &n, query, false); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// Claim attempts to take exclusive ownership of an unprocessed event so
// concurrent sweeps and live webhooks cannot both dispatch for it. Returns
// false when the event is already processed or claimed by a live worker.
// Claims older than claimTTL are treated as abandoned and taken over.
func (s *Store) Claim(ctx context.Context, id, owner string) (bool, error) {
	now := time.Now().UTC()
	stale := now.Add(-claimTTL)
	query := s.db.Rebind(`UPDATE events SET claimed_by = ?, claimed_at = ?
		WHERE id = ? AND processed = ? AND (claimed_by IS NULL OR claimed_at < ?)`)
	res, err := s.db.ExecContext(ctx, query, owner, now, id, false, stale)
	if err != nil {
		return false, fmt.Errorf("claim event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim event: %w", err)
	}
	return n == 1, nil
}

// ReleaseClaim gives an event back to the pending pool without recording an
// outcome. Used when no automation matched.
func (s *Store) ReleaseClaim(ctx context.Context, id string) error {
	query := s.db.Rebind(`UPDATE events SET claimed_by = NULL, claimed_at = NULL WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// MarkProcessed flips the processed flag. Idempotent: re-invoking on an
// already-processed event is a no-op, not an error.
func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	now := time.Now().UTC()
	query := s.db.Rebind(`UPDATE events SET processed = ?, processed_at = ?, claimed_by = NULL, claimed_at = NULL
		WHERE id = ? AND processed = ?`)
	if _, err := s.db.ExecContext(ctx, query, true, now, id, false); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// MarkFailed records failure detail on an event and releases its claim,
// leaving it unprocessed so the next sweep retries it. Idempotent.
func (s *Store) MarkFailed(ctx context.Context, id, detail string) error {
	now := time.Now().UTC()
	query := s.db.Rebind(`UPDATE events SET error = ?, processed_at = ?, claimed_by = NULL, claimed_at = NULL
		WHERE id = ? AND processed = ?`)
	if _, err := s.db.ExecContext(ctx, query, detail, now, id, false); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// MarkCommentReplied records a successful comment reply: processed flag,
// the automation that fired and the remote reply id. This single update is
// the dedup guard that keeps reconciliation from replying twice.
func (s *Store) MarkCommentReplied(ctx context.Context, id, automationID, replyID string) error {
	now := time.Now().UTC()
	query := s.db.Rebind(`UPDATE events SET processed = ?, automation_id = ?, reply_id = ?, replied_at = ?, processed_at = ?, claimed_by = NULL, claimed_at = NULL
		WHERE id = ? AND processed = ?`)
	if _, err := s.db.ExecContext(ctx, query, true, automationID, replyID, now, now, id, false); err != nil {
		return fmt.Errorf("mark comment replied: %w", err)
	}
	return nil
}

// GetAccount loads the credentials for one Instagram account.
func (s *Store) GetAccount(ctx context.Context, instagramID string) (*models.Account, error) {
	var acc models.Account
	query := s.db.Rebind(`SELECT * FROM accounts WHERE instagram_id = ?`)
	if err := s.db.GetContext(ctx, &acc, query, instagramID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &acc, nil
}

// UpsertAccount creates or replaces an account record. The onboarding flow
// owns accounts; this exists for seeding and tests.
func (s *Store) UpsertAccount(ctx context.Context, acc *models.Account) error {
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = time.Now().UTC()
	}
	query := s.db.Rebind(`INSERT INTO accounts (instagram_id, access_token, created_at) VALUES (?, ?, ?)
		ON CONFLICT (instagram_id) DO UPDATE SET access_token = excluded.access_token`)
	if _, err := s.db.ExecContext(ctx, query, acc.InstagramID, acc.AccessToken, acc.CreatedAt); err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// ListActiveAutomations returns the active automations for one account and
// event kind in deterministic first-match order: creation time, then id.
func (s *Store) ListActiveAutomations(ctx context.Context, instagramID, kind string) ([]models.Automation, error) {
	var autos []models.Automation
	query := s.db.Rebind(`SELECT * FROM automations
		WHERE instagram_id = ? AND kind = ? AND is_active = ?
		ORDER BY created_at ASC, id ASC`)
	if err := s.db.SelectContext(ctx, &autos, query, instagramID, kind, true); err != nil {
		return nil, fmt.Errorf("list automations: %w", err)
	}
	return autos, nil
}

// InsertAutomation stores an automation rule. The management surface owns
// automations; this exists for seeding and tests.
func (s *Store) InsertAutomation(ctx context.Context, a *models.Automation) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	query := s.db.Rebind(`INSERT INTO automations
		(id, instagram_id, kind, is_active, name, trigger_keywords, reply_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		a.ID, a.InstagramID, a.Kind, a.IsActive, a.Name, a.TriggerKeywords, a.ReplyMessage, a.CreatedAt); err != nil {
		return fmt.Errorf("insert automation: %w", err)
	}
	return nil
}

// AppendAutomationLog appends one firing record.
func (s *Store) AppendAutomationLog(ctx context.Context, l *models.AutomationLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	query := s.db.Rebind(`INSERT INTO automation_logs
		(id, automation_id, automation_name, instagram_id, triggered_by, trigger_text, reply_message, trigger_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		l.ID, l.AutomationID, l.AutomationName, l.InstagramID, l.TriggeredBy, l.TriggerText, l.ReplyMessage, l.TriggerType, l.CreatedAt); err != nil {
		return fmt.Errorf("append automation log: %w", err)
	}
	return nil
}

// AppendWebhookLog appends one row to the raw ingestion ledger.
func (s *Store) AppendWebhookLog(ctx context.Context, l *models.WebhookLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	query := s.db.Rebind(`INSERT INTO webhook_logs (id, event_type, data, success, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		l.ID, l.EventType, l.Data, l.Success, l.Error, l.CreatedAt); err != nil {
		return fmt.Errorf("append webhook log: %w", err)
	}
	return nil
}

// CountAutomationLogs reports the number of firing records, optionally
// filtered by automation id.
func (s *Store) CountAutomationLogs(ctx context.Context, automationID string) (int, error) {
	var n int
	var err error
	if automationID == "" {
		err = s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM automation_logs`)
	} else {
		query := s.db.Rebind(`SELECT COUNT(*) FROM automation_logs WHERE automation_id = ?`)
		err = s.db.GetContext(ctx, &n, query, automationID)
	}
	if err != nil {
		return 0, fmt.Errorf("count automation logs: %w", err)
	}
	return n, nil
}
