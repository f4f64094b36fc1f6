package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pubflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS publications (
  id TEXT PRIMARY KEY,
  content_id TEXT NOT NULL,
  account_id TEXT NOT NULL,
  platform TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','scheduled','retrying','publishing','published','failed','cancelled')) DEFAULT 'pending',
  scheduled_for DATETIME,
  published_at DATETIME,
  external_post_id TEXT NOT NULL DEFAULT '',
  external_post_url TEXT NOT NULL DEFAULT '',
  error_code TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT '',
  snapshot BLOB NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS queue_items (
  id TEXT PRIMARY KEY,
  publication_id TEXT NOT NULL UNIQUE REFERENCES publications(id),
  scheduled_for DATETIME NOT NULL,
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  next_retry_at DATETIME,
  status TEXT NOT NULL CHECK(status IN ('queued','processing','completed','failed','cancelled')) DEFAULT 'queued',
  claim_token TEXT,
  claimed_at DATETIME,
  completed_at DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_queue_due ON queue_items(status, scheduled_for, id);
CREATE TABLE IF NOT EXISTS queue_error_logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  queue_item_id TEXT NOT NULL REFERENCES queue_items(id),
  logged_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  error_code TEXT NOT NULL,
  error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_error_logs_item ON queue_error_logs(queue_item_id, id);
CREATE TABLE IF NOT EXISTS destination_accounts (
  id TEXT PRIMARY KEY,
  platform TEXT NOT NULL,
  name TEXT NOT NULL DEFAULT '',
  access_token TEXT NOT NULL DEFAULT '',
  external_account_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('active','revoked')) DEFAULT 'active',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
	_, err := db.Exec(schema)
	return err
}

// Reaped is one queue item recovered from a stranded processing state.
type Reaped struct {
	Item     domain.QueueItem
	Requeued bool // false means retries were exhausted and the item failed
}

type Store interface {
	// Publication + queue item lifecycle.
	CreateScheduled(ctx context.Context, pub domain.Publication, item domain.QueueItem) error
	CreatePublication(ctx context.Context, pub domain.Publication) error
	GetPublication(ctx context.Context, id string) (domain.Publication, error)
	GetQueueItem(ctx context.Context, id string) (domain.QueueItem, error)
	GetQueueItemByPublication(ctx context.Context, publicationID string) (domain.QueueItem, error)
	ListRecentPublications(ctx context.Context, limit int) ([]domain.Publication, error)

	// Queue processing. Claim is the only synchronization point: a
	// conditional update that succeeds for exactly one caller. The resolve
	// operations require the claim token and return domain.ErrClaimLost when
	// the reaper has taken the item back.
	DueQueueItems(ctx context.Context, now time.Time, limit int) ([]domain.QueueItem, error)
	ClaimItem(ctx context.Context, id, token string, now time.Time) (bool, error)
	CompleteItem(ctx context.Context, id, token string, now time.Time) error
	FailItem(ctx context.Context, id, token, code, message string) error
	RetryItem(ctx context.Context, id, token string, nextRetryAt time.Time, code, message string) (requeued bool, err error)
	ReapStuck(ctx context.Context, now time.Time, olderThan time.Duration) ([]Reaped, error)
	CancelQueuedItem(ctx context.Context, publicationID string) (bool, error)
	ErrorLogs(ctx context.Context, queueItemID string) ([]domain.ErrorLog, error)

	// Publication status resolution.
	MarkPublishing(ctx context.Context, publicationID string) error
	MarkPublished(ctx context.Context, publicationID, externalID, externalURL string, at time.Time) error
	MarkRetrying(ctx context.Context, publicationID, code, message string) error
	MarkFailed(ctx context.Context, publicationID, code, message string) error
	MarkCancelled(ctx context.Context, publicationID string) (bool, error)

	// Destination accounts.
	CreateAccount(ctx context.Context, acct domain.DestinationAccount) (string, error)
	GetAccount(ctx context.Context, id string) (domain.DestinationAccount, error)
}

type sqliteStore struct{ db *sql.DB }

func NewSQLite(db *sql.DB) Store { return &sqliteStore{db: db} }

func NewPublicationID() string { return "pub_" + uuid.NewString() }
func NewQueueItemID() string   { return "qi_" + uuid.NewString() }

func (s *sqliteStore) CreateScheduled(ctx context.Context, pub domain.Publication, item domain.QueueItem) error {
	snap, err := json.Marshal(pub.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
INSERT INTO publications (id,content_id,account_id,platform,status,scheduled_for,snapshot,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, pub.ID, pub.ContentID, pub.AccountID, pub.Platform, pub.Status, pub.ScheduledFor, snap)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO queue_items (id,publication_id,scheduled_for,retry_count,max_retries,status,created_at,updated_at)
VALUES (?,?,?,?,?,'queued',CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, item.ID, item.PublicationID, item.ScheduledFor, item.RetryCount, item.MaxRetries)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) CreatePublication(ctx context.Context, pub domain.Publication) error {
	snap, err := json.Marshal(pub.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO publications (id,content_id,account_id,platform,status,scheduled_for,snapshot,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, pub.ID, pub.ContentID, pub.AccountID, pub.Platform, pub.Status, pub.ScheduledFor, snap)
	return err
}

const publicationCols = `id,content_id,account_id,platform,status,scheduled_for,published_at,external_post_id,external_post_url,error_code,error_message,snapshot,created_at,updated_at`

func scanPublication(row interface{ Scan(...any) error }) (domain.Publication, error) {
	var p domain.Publication
	var scheduledFor, publishedAt sql.NullTime
	var snap []byte
	err := row.Scan(&p.ID, &p.ContentID, &p.AccountID, &p.Platform, &p.Status,
		&scheduledFor, &publishedAt, &p.ExternalPostID, &p.ExternalPostURL,
		&p.ErrorCode, &p.ErrorMessage, &snap, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Publication{}, err
	}
	if scheduledFor.Valid {
		t := scheduledFor.Time
		p.ScheduledFor = &t
	}
	if publishedAt.Valid {
		t := publishedAt.Time
		p.PublishedAt = &t
	}
	if err := json.Unmarshal(snap, &p.Snapshot); err != nil {
		return domain.Publication{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return p, nil
}

func (s *sqliteStore) GetPublication(ctx context.Context, id string) (domain.Publication, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+publicationCols+` FROM publications WHERE id=?`, id)
	p, err := scanPublication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Publication{}, domain.ErrNotFound
	}
	return p, err
}

func (s *sqliteStore) ListRecentPublications(ctx context.Context, limit int) ([]domain.Publication, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+publicationCols+` FROM publications ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pubs []domain.Publication
	for rows.Next() {
		p, err := scanPublication(rows)
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, p)
	}
	return pubs, rows.Err()
}

const queueItemCols = `id,publication_id,scheduled_for,retry_count,max_retries,next_retry_at,status,claim_token,claimed_at,completed_at,created_at,updated_at`

func scanQueueItem(row interface{ Scan(...any) error }) (domain.QueueItem, error) {
	var q domain.QueueItem
	var nextRetryAt, claimedAt, completedAt sql.NullTime
	var token sql.NullString
	err := row.Scan(&q.ID, &q.PublicationID, &q.ScheduledFor, &q.RetryCount, &q.MaxRetries,
		&nextRetryAt, &q.Status, &token, &claimedAt, &completedAt, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return domain.QueueItem{}, err
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		q.NextRetryAt = &t
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		q.ClaimedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		q.CompletedAt = &t
	}
	if token.Valid {
		tok := token.String
		q.ClaimToken = &tok
	}
	return q, nil
}

func (s *sqliteStore) GetQueueItem(ctx context.Context, id string) (domain.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueItemCols+` FROM queue_items WHERE id=?`, id)
	q, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueItem{}, domain.ErrNotFound
	}
	return q, err
}

func (s *sqliteStore) GetQueueItemByPublication(ctx context.Context, publicationID string) (domain.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+queueItemCols+` FROM queue_items WHERE publication_id=?`, publicationID)
	q, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QueueItem{}, domain.ErrNotFound
	}
	return q, err
}

// DueQueueItems selects queued work ordered by scheduled_for then id so
// overlapping ticks observe the same deterministic order. A retried item is
// due once its next_retry_at passes.
func (s *sqliteStore) DueQueueItems(ctx context.Context, now time.Time, limit int) ([]domain.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+queueItemCols+` FROM queue_items
WHERE status='queued' AND COALESCE(next_retry_at, scheduled_for) <= ?
ORDER BY scheduled_for ASC, id ASC
LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.QueueItem
	for rows.Next() {
		q, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, q)
	}
	return items, rows.Err()
}

// ClaimItem is a compare-and-swap on status: it succeeds only if the item is
// still exactly 'queued'. A false return with nil error means another tick
// got there first.
func (s *sqliteStore) ClaimItem(ctx context.Context, id, token string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_items
SET status='processing', claim_token=?, claimed_at=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='queued'`, token, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) CompleteItem(ctx context.Context, id, token string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_items
SET status='completed', completed_at=?, claim_token=NULL, claimed_at=NULL, next_retry_at=NULL, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='processing' AND claim_token=?`, now, id, token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrClaimLost
	}
	return nil
}

func (s *sqliteStore) FailItem(ctx context.Context, id, token, code, message string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
UPDATE queue_items
SET status='failed', claim_token=NULL, claimed_at=NULL, next_retry_at=NULL, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='processing' AND claim_token=?`, id, token)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrClaimLost
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO queue_error_logs (queue_item_id,error_code,error_message) VALUES (?,?,?)`, id, code, message); err != nil {
		return err
	}
	return tx.Commit()
}

// RetryItem resolves a transient failure: the retry counter always advances,
// and the item goes back to 'queued' unless that exhausted the budget.
func (s *sqliteStore) RetryItem(ctx context.Context, id, token string, nextRetryAt time.Time, code, message string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
UPDATE queue_items
SET retry_count = retry_count + 1,
    status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'queued' END,
    next_retry_at = CASE WHEN retry_count + 1 >= max_retries THEN NULL ELSE ? END,
    claim_token=NULL, claimed_at=NULL, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='processing' AND claim_token=?`, nextRetryAt, id, token)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, domain.ErrClaimLost
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO queue_error_logs (queue_item_id,error_code,error_message) VALUES (?,?,?)`, id, code, message); err != nil {
		return false, err
	}
	var status domain.QueueStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM queue_items WHERE id=?`, id).Scan(&status); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return status == domain.QueueQueued, nil
}

// ReapStuck recovers items stranded in 'processing' past the timeout,
// applying the same retry accounting as a transient failure. Clearing the
// claim token makes the re-queue authoritative: a late finisher's resolve
// becomes a no-op.
func (s *sqliteStore) ReapStuck(ctx context.Context, now time.Time, olderThan time.Duration) ([]Reaped, error) {
	cutoff := now.Add(-olderThan)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
SELECT `+queueItemCols+` FROM queue_items
WHERE status='processing' AND claimed_at <= ?
ORDER BY claimed_at ASC, id ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	var stuck []domain.QueueItem
	for rows.Next() {
		q, err := scanQueueItem(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		stuck = append(stuck, q)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var reaped []Reaped
	for _, q := range stuck {
		q.RetryCount++
		requeued := q.RetryCount < q.MaxRetries
		if requeued {
			_, err = tx.ExecContext(ctx, `
UPDATE queue_items
SET status='queued', retry_count=?, next_retry_at=?, claim_token=NULL, claimed_at=NULL, updated_at=CURRENT_TIMESTAMP
WHERE id=?`, q.RetryCount, now, q.ID)
		} else {
			_, err = tx.ExecContext(ctx, `
UPDATE queue_items
SET status='failed', retry_count=?, next_retry_at=NULL, claim_token=NULL, claimed_at=NULL, updated_at=CURRENT_TIMESTAMP
WHERE id=?`, q.RetryCount, q.ID)
		}
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO queue_error_logs (queue_item_id,error_code,error_message) VALUES (?,?,?)`,
			q.ID, domain.CodeStuckProcessing, "processing attempt exceeded the reaper timeout"); err != nil {
			return nil, err
		}
		q.Status = domain.QueueQueued
		if !requeued {
			q.Status = domain.QueueFailed
		}
		q.ClaimToken = nil
		q.ClaimedAt = nil
		reaped = append(reaped, Reaped{Item: q, Requeued: requeued})
	}
	return reaped, tx.Commit()
}

func (s *sqliteStore) CancelQueuedItem(ctx context.Context, publicationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE queue_items SET status='cancelled', next_retry_at=NULL, updated_at=CURRENT_TIMESTAMP
WHERE publication_id=? AND status='queued'`, publicationID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) ErrorLogs(ctx context.Context, queueItemID string) ([]domain.ErrorLog, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT queue_item_id,logged_at,error_code,error_message FROM queue_error_logs
WHERE queue_item_id=? ORDER BY id ASC`, queueItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.ErrorLog
	for rows.Next() {
		var l domain.ErrorLog
		if err := rows.Scan(&l.QueueItemID, &l.LoggedAt, &l.ErrorCode, &l.ErrorMessage); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *sqliteStore) MarkPublishing(ctx context.Context, publicationID string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE publications SET status='publishing', updated_at=CURRENT_TIMESTAMP WHERE id=?`, publicationID)
	return err
}

func (s *sqliteStore) MarkPublished(ctx context.Context, publicationID, externalID, externalURL string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE publications
SET status='published', published_at=?, external_post_id=?, external_post_url=?, error_code='', error_message='', updated_at=CURRENT_TIMESTAMP
WHERE id=?`, at, externalID, externalURL, publicationID)
	return err
}

func (s *sqliteStore) MarkRetrying(ctx context.Context, publicationID, code, message string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE publications SET status='retrying', error_code=?, error_message=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		code, message, publicationID)
	return err
}

func (s *sqliteStore) MarkFailed(ctx context.Context, publicationID, code, message string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE publications SET status='failed', error_code=?, error_message=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		code, message, publicationID)
	return err
}

// MarkCancelled succeeds only while the publication has not been handed to
// an attempt yet.
func (s *sqliteStore) MarkCancelled(ctx context.Context, publicationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE publications SET status='cancelled', updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status IN ('pending','scheduled')`, publicationID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) CreateAccount(ctx context.Context, acct domain.DestinationAccount) (string, error) {
	id := acct.ID
	if id == "" {
		id = "acct_" + uuid.NewString()
	}
	if acct.Status == "" {
		acct.Status = domain.AccountActive
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO destination_accounts (id,platform,name,access_token,external_account_id,status,created_at)
VALUES (?,?,?,?,?,?,CURRENT_TIMESTAMP)`,
		id, acct.Platform, acct.Name, acct.AccessToken, acct.ExternalAccountID, acct.Status)
	return id, err
}

func (s *sqliteStore) GetAccount(ctx context.Context, id string) (domain.DestinationAccount, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,platform,name,access_token,external_account_id,status,created_at
FROM destination_accounts WHERE id=?`, id)
	var a domain.DestinationAccount
	err := row.Scan(&a.ID, &a.Platform, &a.Name, &a.AccessToken, &a.ExternalAccountID, &a.Status, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DestinationAccount{}, domain.ErrNotFound
	}
	return a, err
}
