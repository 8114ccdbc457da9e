package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"newsletter_digest/internal/domain/digest"
	"newsletter_digest/internal/domain/period"
)

// Custom errors specific to digest persistence.
var ErrDigestNotFound = fmt.Errorf("digest not found")
var ErrDuplicateWindow = fmt.Errorf("digest already exists for this period kind and window")
var ErrDuplicateNumber = fmt.Errorf("digest number already taken for this period kind")
var ErrDeliveryAlreadyRecorded = fmt.Errorf("delivery already recorded for this digest and subscriber")

type PostgresDigestRepository struct {
	db *sql.DB
}

func NewPostgresDigestRepository(db *sql.DB) *PostgresDigestRepository {
	return &PostgresDigestRepository{db: db}
}

const digestColumns = `id, kind, number, window_start, body_text, body_html, reviewed, pending, created_at`

func scanDigest(row *sql.Row) (*digest.Digest, error) {
	d := digest.Digest{}
	err := row.Scan(&d.ID, &d.Kind, &d.Number, &d.WindowStart, &d.BodyText, &d.BodyHTML, &d.Reviewed, &d.Pending, &d.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrDigestNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (r *PostgresDigestRepository) Find(ctx context.Context, kind period.Kind, windowStart time.Time) (*digest.Digest, error) {
	query := `SELECT ` + digestColumns + ` FROM digests WHERE kind = $1 AND window_start = $2`
	dateOnly := time.Date(windowStart.Year(), windowStart.Month(), windowStart.Day(), 0, 0, 0, 0, windowStart.Location())
	d, err := scanDigest(r.db.QueryRowContext(ctx, query, kind, dateOnly))
	if err != nil {
		if err == ErrDigestNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("error getting digest by kind and window: %w", err)
	}
	return d, nil
}

func (r *PostgresDigestRepository) FindByID(ctx context.Context, id int64) (*digest.Digest, error) {
	query := `SELECT ` + digestColumns + ` FROM digests WHERE id = $1`
	d, err := scanDigest(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == ErrDigestNotFound {
			return nil, err
		}
		return nil, fmt.Errorf("error getting digest by ID: %w", err)
	}
	return d, nil
}

// NextNumber computes max+1 for the kind under a per-kind advisory
// transaction lock, so concurrent creators for the same kind never observe
// the same value.
func (r *PostgresDigestRepository) NextNumber(ctx context.Context, kind period.Kind) (int, error) {
	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction for next number: %w", err)
	}
	defer txn.Rollback()

	number, err := nextNumberLocked(ctx, txn, kind)
	if err != nil {
		return 0, err
	}
	if err := txn.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit next number transaction: %w", err)
	}
	return number, nil
}

func nextNumberLocked(ctx context.Context, txn *sql.Tx, kind period.Kind) (int, error) {
	if _, err := txn.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1)::bigint)`, string(kind)); err != nil {
		return 0, fmt.Errorf("failed to take period lock: %w", err)
	}
	var number int
	err := txn.QueryRowContext(ctx, `SELECT COALESCE(MAX(number), 0) + 1 FROM digests WHERE kind = $1`, kind).Scan(&number)
	if err != nil {
		return 0, fmt.Errorf("error computing next digest number: %w", err)
	}
	return number, nil
}

// Create persists the digest, assigning its number when unset. The same
// advisory lock as NextNumber serializes creation per kind. A concurrent
// creation for the same window is detected under the lock, where previously
// committed winners are visible, and reported as ErrDuplicateWindow before
// the INSERT can trip the number constraint.
func (r *PostgresDigestRepository) Create(ctx context.Context, d *digest.Digest) error {
	txn, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for digest creation: %w", err)
	}
	defer txn.Rollback()

	if d.Number == 0 {
		number, err := nextNumberLocked(ctx, txn, d.Kind)
		if err != nil {
			return err
		}
		d.Number = number
	} else if _, err := txn.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1)::bigint)`, string(d.Kind)); err != nil {
		return fmt.Errorf("failed to take period lock: %w", err)
	}

	dateOnly := time.Date(d.WindowStart.Year(), d.WindowStart.Month(), d.WindowStart.Day(), 0, 0, 0, 0, d.WindowStart.Location())

	var taken bool
	err = txn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM digests WHERE kind = $1 AND window_start = $2)`,
		d.Kind, dateOnly).Scan(&taken)
	if err != nil {
		return fmt.Errorf("error checking digest window: %w", err)
	}
	if taken {
		return ErrDuplicateWindow
	}

	query := `INSERT INTO digests (kind, number, window_start, body_text, body_html, reviewed, pending)
               VALUES ($1, $2, $3, $4, $5, $6, $7)
               RETURNING id, created_at`
	err = txn.QueryRowContext(ctx, query, d.Kind, d.Number, dateOnly, d.BodyText, d.BodyHTML, d.Reviewed, d.Pending).
		Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "digests_kind_window_unique") {
			return ErrDuplicateWindow
		}
		if strings.Contains(err.Error(), "digests_kind_number_unique") {
			return ErrDuplicateNumber
		}
		return fmt.Errorf("error creating digest: %w", err)
	}

	return txn.Commit()
}

func (r *PostgresDigestRepository) Delete(ctx context.Context, id int64) error {
	// delivery_records cascade via foreign key.
	res, err := r.db.ExecContext(ctx, `DELETE FROM digests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("error deleting digest: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error checking deleted digest rows: %w", err)
	}
	if affected == 0 {
		return ErrDigestNotFound
	}
	return nil
}

func scanDigests(rows *sql.Rows) ([]*digest.Digest, error) {
	digests := make([]*digest.Digest, 0)
	for rows.Next() {
		d := digest.Digest{}
		if err := rows.Scan(&d.ID, &d.Kind, &d.Number, &d.WindowStart, &d.BodyText, &d.BodyHTML, &d.Reviewed, &d.Pending, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning digest row: %w", err)
		}
		digests = append(digests, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating digest rows: %w", err)
	}
	return digests, nil
}

func (r *PostgresDigestRepository) ListSendable(ctx context.Context, onlyReviewed bool) ([]*digest.Digest, error) {
	query := `SELECT ` + digestColumns + ` FROM digests WHERE pending = TRUE`
	if onlyReviewed {
		query += ` AND reviewed = TRUE`
	}
	query += ` ORDER BY kind, number`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error querying sendable digests: %w", err)
	}
	defer rows.Close()
	return scanDigests(rows)
}

func (r *PostgresDigestRepository) List(ctx context.Context, onlyPending bool) ([]*digest.Digest, error) {
	query := `SELECT ` + digestColumns + ` FROM digests`
	if onlyPending {
		query += ` WHERE pending = TRUE`
	}
	query += ` ORDER BY window_start, number`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("error querying digests: %w", err)
	}
	defer rows.Close()
	return scanDigests(rows)
}

func (r *PostgresDigestRepository) MarkSent(ctx context.Context, id int64) error {
	return r.setFlag(ctx, id, `UPDATE digests SET pending = FALSE WHERE id = $1`)
}

func (r *PostgresDigestRepository) MarkReviewed(ctx context.Context, id int64) error {
	return r.setFlag(ctx, id, `UPDATE digests SET reviewed = TRUE WHERE id = $1`)
}

func (r *PostgresDigestRepository) setFlag(ctx context.Context, id int64, query string) error {
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("error updating digest: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error checking updated digest rows: %w", err)
	}
	if affected == 0 {
		return ErrDigestNotFound
	}
	return nil
}

func (r *PostgresDigestRepository) RecordDelivery(ctx context.Context, digestID, subscriberID int64) error {
	query := `INSERT INTO delivery_records (digest_id, subscriber_id) VALUES ($1, $2)`
	if _, err := r.db.ExecContext(ctx, query, digestID, subscriberID); err != nil {
		if strings.Contains(err.Error(), "delivery_digest_subscriber_unique") {
			return ErrDeliveryAlreadyRecorded
		}
		return fmt.Errorf("error recording delivery: %w", err)
	}
	return nil
}
