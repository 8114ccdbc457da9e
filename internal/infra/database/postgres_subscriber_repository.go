package database

import (
	"context"
	"database/sql"
	"fmt"

	"newsletter_digest/internal/domain/digest"
	"newsletter_digest/internal/domain/subscriber"
)

type PostgresSubscriberRepository struct {
	db *sql.DB
}

func NewPostgresSubscriberRepository(db *sql.DB) *PostgresSubscriberRepository {
	return &PostgresSubscriberRepository{db: db}
}

// ListEligible returns the subscribers still owed the digest. The anti-join
// on delivery_records is what makes repeated dispatch runs resume instead of
// re-sending.
func (r *PostgresSubscriberRepository) ListEligible(ctx context.Context, d *digest.Digest) ([]*subscriber.Subscriber, error) {
	query := `SELECT s.id, s.email, s.kind, s.confirmed, s.subscribed_at
               FROM subscribers s
               WHERE s.kind = $1
                 AND s.confirmed = TRUE
                 AND s.subscribed_at <= $2
                 AND NOT EXISTS (
                     SELECT 1 FROM delivery_records dr
                     WHERE dr.digest_id = $3 AND dr.subscriber_id = s.id
                 )
               ORDER BY s.email`
	rows, err := r.db.QueryContext(ctx, query, d.Kind, d.CreatedAt, d.ID)
	if err != nil {
		return nil, fmt.Errorf("error querying eligible subscribers: %w", err)
	}
	defer rows.Close()

	subscribers := make([]*subscriber.Subscriber, 0)
	for rows.Next() {
		s := subscriber.Subscriber{}
		if err := rows.Scan(&s.ID, &s.Email, &s.Kind, &s.Confirmed, &s.SubscribedAt); err != nil {
			return nil, fmt.Errorf("error scanning subscriber row: %w", err)
		}
		subscribers = append(subscribers, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriber rows: %w", err)
	}
	return subscribers, nil
}
