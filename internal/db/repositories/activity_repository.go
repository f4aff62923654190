// activity_repository.go implements the Postgres persistence for the activity
// ledger: appending chain entries, reading the tip, range scans for
// verification, and filtered listing for the read API.
package repositories

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/admin-console/admin-console/internal/ledger"
)

// activityAppendLockID is the advisory lock key serializing the tip
// read-modify-write across writer processes. Arbitrary but stable; it must
// never collide with another advisory lock key used against the same
// database.
const activityAppendLockID int64 = 0x61645f6c6f67 // "ad_log"

// uniqueViolation is the Postgres error code for a unique constraint breach.
const uniqueViolation = "23505"

// PostgresActivityStore persists chain entries in the activity_log table.
// It implements ledger.Store and ledger.TxAppender.
type PostgresActivityStore struct {
	db *sqlx.DB
}

// NewPostgresActivityStore creates a store over the given database handle.
func NewPostgresActivityStore(db *sqlx.DB) *PostgresActivityStore {
	return &PostgresActivityStore{db: db}
}

// activityRow is the sqlx scan target for activity_log rows.
type activityRow struct {
	ID                string         `db:"id"`
	SequenceNumber    int64          `db:"sequence_number"`
	ActorID           sql.NullString `db:"actor_id"`
	Action            string         `db:"action"`
	TargetType        string         `db:"target_type"`
	TargetID          string         `db:"target_id"`
	TargetDisplayName string         `db:"target_display_name"`
	RelatedTargets    []byte         `db:"related_targets"`
	Metadata          []byte         `db:"metadata"`
	CreatedAt         time.Time      `db:"created_at"`
	PrevHash          string         `db:"prev_hash"`
	EntryHash         string         `db:"entry_hash"`
	Signature         sql.NullString `db:"signature"`
}

const activityColumns = `id, sequence_number, actor_id, action, target_type, target_id,
	target_display_name, related_targets, metadata, created_at, prev_hash, entry_hash, signature`

// toEntry converts a database row back into a chain entry. Metadata is
// decoded with UseNumber so numeric values survive the JSONB round trip with
// their exact textual form: a plain json.Unmarshal would turn 9007199254740993
// into a float64, and the re-encoded entry would no longer hash to entry_hash.
func (r *activityRow) toEntry() (*ledger.Entry, error) {
	e := &ledger.Entry{
		ID:             r.ID,
		SequenceNumber: r.SequenceNumber,
		Action:         r.Action,
		Target: ledger.Target{
			Type:        r.TargetType,
			ID:          r.TargetID,
			DisplayName: r.TargetDisplayName,
		},
		CreatedAt: r.CreatedAt.UTC(),
		PrevHash:  r.PrevHash,
		EntryHash: r.EntryHash,
	}

	if r.ActorID.Valid {
		actor := r.ActorID.String
		e.ActorID = &actor
	}
	if r.Signature.Valid {
		e.Signature = r.Signature.String
	}

	if len(r.RelatedTargets) > 0 {
		if err := json.Unmarshal(r.RelatedTargets, &e.RelatedTargets); err != nil {
			return nil, fmt.Errorf("decode related_targets for entry %d: %w", r.SequenceNumber, err)
		}
	}
	if e.RelatedTargets == nil {
		e.RelatedTargets = []ledger.Target{}
	}

	if len(r.Metadata) > 0 && !bytes.Equal(r.Metadata, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(r.Metadata))
		dec.UseNumber()
		if err := dec.Decode(&e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for entry %d: %w", r.SequenceNumber, err)
		}
	}

	return e, nil
}

// Insert durably appends the entry. A sequence_number collision maps to
// ledger.ErrDuplicateSequence.
func (s *PostgresActivityStore) Insert(ctx context.Context, e *ledger.Entry) error {
	return insertEntry(ctx, s.db, e)
}

// execer covers both *sqlx.DB and *sqlx.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertEntry(ctx context.Context, db execer, e *ledger.Entry) error {
	relatedJSON, err := json.Marshal(e.RelatedTargets)
	if err != nil {
		return fmt.Errorf("marshal related_targets: %w", err)
	}
	if e.RelatedTargets == nil {
		relatedJSON = []byte("[]")
	}

	var metadataJSON []byte
	if e.Metadata != nil {
		metadataJSON, err = json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO activity_log (id, sequence_number, actor_id, action, target_type, target_id,
			target_display_name, related_targets, metadata, created_at, prev_hash, entry_hash, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	var signature sql.NullString
	if e.Signature != "" {
		signature = sql.NullString{String: e.Signature, Valid: true}
	}

	_, err = db.ExecContext(ctx, query,
		e.ID,
		e.SequenceNumber,
		e.ActorID,
		e.Action,
		e.Target.Type,
		e.Target.ID,
		e.Target.DisplayName,
		relatedJSON,
		metadataJSON,
		e.CreatedAt,
		e.PrevHash,
		e.EntryHash,
		signature,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fmt.Errorf("%w: sequence %d", ledger.ErrDuplicateSequence, e.SequenceNumber)
		}
		return err
	}
	return nil
}

// Tip returns the entry with the highest sequence number.
func (s *PostgresActivityStore) Tip(ctx context.Context) (*ledger.Entry, error) {
	return queryTip(ctx, s.db)
}

// queryer covers both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

func queryTip(ctx context.Context, db queryer) (*ledger.Entry, error) {
	query := `SELECT ` + activityColumns + ` FROM activity_log ORDER BY sequence_number DESC LIMIT 1`

	var row activityRow
	err := db.GetContext(ctx, &row, query)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrEmptyChain
	}
	if err != nil {
		return nil, err
	}
	return row.toEntry()
}

// Range returns entries with fromSeq <= sequence_number <= toSeq in ascending
// order. Sequence numbers missing from storage are simply absent from the
// result.
func (s *PostgresActivityStore) Range(ctx context.Context, fromSeq, toSeq int64) ([]*ledger.Entry, error) {
	query := `SELECT ` + activityColumns + `
		FROM activity_log
		WHERE sequence_number >= $1 AND sequence_number <= $2
		ORDER BY sequence_number ASC`

	var rows []activityRow
	if err := s.db.SelectContext(ctx, &rows, query, fromSeq, toSeq); err != nil {
		return nil, err
	}

	entries := make([]*ledger.Entry, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Count returns the total number of entries.
func (s *PostgresActivityStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM activity_log`)
	return count, err
}

// AppendLocked serializes the tip read and insert inside a single transaction
// holding a transaction-scoped advisory lock, so concurrent writer processes
// cannot both read the same tip and fork the chain. The lock is released
// automatically at commit or rollback.
func (s *PostgresActivityStore) AppendLocked(ctx context.Context, build func(tip *ledger.Entry) (*ledger.Entry, error)) (*ledger.Entry, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, activityAppendLockID); err != nil {
		return nil, fmt.Errorf("acquire append lock: %w", err)
	}

	tip, err := queryTip(ctx, tx)
	if err != nil && !errors.Is(err, ledger.ErrEmptyChain) {
		return nil, fmt.Errorf("read tip: %w", err)
	}

	entry, err := build(tip)
	if err != nil {
		return nil, err
	}

	if err := insertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return entry, nil
}

// ActivityFilters contains filters for listing activity entries.
type ActivityFilters struct {
	ActorID    *string
	Action     *string
	TargetType *string
	TargetID   *string
	StartDate  *time.Time
	EndDate    *time.Time
}

// List retrieves activity entries with optional filters and pagination,
// newest first. Returns the page of entries and the total count matching the
// filters.
func (s *PostgresActivityStore) List(ctx context.Context, filters ActivityFilters, limit, offset int) ([]*ledger.Entry, int, error) {
	countQuery := `SELECT COUNT(*) FROM activity_log WHERE 1=1`
	query := `SELECT ` + activityColumns + ` FROM activity_log WHERE 1=1`

	args := make([]interface{}, 0)
	paramIndex := 1

	addFilter := func(clause string, value interface{}) {
		cond := fmt.Sprintf(clause, paramIndex)
		countQuery += cond
		query += cond
		args = append(args, value)
		paramIndex++
	}

	if filters.ActorID != nil {
		addFilter(` AND actor_id = $%d`, *filters.ActorID)
	}
	if filters.Action != nil {
		addFilter(` AND action = $%d`, *filters.Action)
	}
	if filters.TargetType != nil {
		addFilter(` AND target_type = $%d`, *filters.TargetType)
	}
	if filters.TargetID != nil {
		addFilter(` AND target_id = $%d`, *filters.TargetID)
	}
	if filters.StartDate != nil {
		addFilter(` AND created_at >= $%d`, *filters.StartDate)
	}
	if filters.EndDate != nil {
		addFilter(` AND created_at <= $%d`, *filters.EndDate)
	}

	var total int
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY sequence_number DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	var rows []activityRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, err
	}

	entries := make([]*ledger.Entry, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEntry()
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	return entries, total, nil
}

// GetByID retrieves a single entry by its opaque ID. Returns
// ledger.ErrNotFound when no entry matches.
func (s *PostgresActivityStore) GetByID(ctx context.Context, id string) (*ledger.Entry, error) {
	query := `SELECT ` + activityColumns + ` FROM activity_log WHERE id = $1`

	var row activityRow
	err := s.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toEntry()
}
