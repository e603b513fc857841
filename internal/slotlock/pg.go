package slotlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/daminiR/medspa-waitlist/internal/clock"
)

// PgLocker stores locks in waitlist_slot_locks. The primary key on the slot
// columns plus a conditional upsert gives the compare-and-set.
type PgLocker struct {
	pool  *pgxpool.Pool
	clock clock.Clock
}

func NewPgLocker(pool *pgxpool.Pool, c clock.Clock) *PgLocker {
	if c == nil {
		c = clock.Real{}
	}
	return &PgLocker{pool: pool, clock: c}
}

func (p *PgLocker) IsLocked(ctx context.Context, key Key) (bool, error) {
	var locked bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM waitlist_slot_locks
			WHERE practitioner_id = $1 AND slot_date = $2 AND start_time = $3
			  AND expires_at > $4
		)
	`, key.PractitionerID, key.Date, key.StartTime, p.clock.Now()).Scan(&locked)
	if err != nil {
		return false, fmt.Errorf("check slot lock: %w", err)
	}
	return locked, nil
}

func (p *PgLocker) Get(ctx context.Context, key Key) (*Lock, error) {
	l := Lock{Key: key}
	err := p.pool.QueryRow(ctx, `
		SELECT offer_id, locked_at, expires_at
		FROM waitlist_slot_locks
		WHERE practitioner_id = $1 AND slot_date = $2 AND start_time = $3
		  AND expires_at > $4
	`, key.PractitionerID, key.Date, key.StartTime, p.clock.Now()).Scan(&l.OfferID, &l.LockedAt, &l.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get slot lock: %w", err)
	}
	return &l, nil
}

func (p *PgLocker) Acquire(ctx context.Context, key Key, offerID string, expiresAt time.Time) (bool, error) {
	return p.upsert(ctx, key, "", offerID, expiresAt)
}

func (p *PgLocker) Transfer(ctx context.Context, key Key, fromOfferID, toOfferID string, expiresAt time.Time) (bool, error) {
	return p.upsert(ctx, key, fromOfferID, toOfferID, expiresAt)
}

// upsert inserts the lock, or overwrites an existing row when it has expired
// or, for transfers, when it is held by fromOfferID.
func (p *PgLocker) upsert(ctx context.Context, key Key, fromOfferID, toOfferID string, expiresAt time.Time) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	now := p.clock.Now()
	if !expiresAt.After(now) {
		return false, ErrInvalidExpiry
	}

	var holder string
	err := p.pool.QueryRow(ctx, `
		INSERT INTO waitlist_slot_locks (practitioner_id, slot_date, start_time, offer_id, locked_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (practitioner_id, slot_date, start_time) DO UPDATE
		SET offer_id = EXCLUDED.offer_id,
		    locked_at = EXCLUDED.locked_at,
		    expires_at = EXCLUDED.expires_at
		WHERE waitlist_slot_locks.expires_at <= $5
		   OR ($7 <> '' AND waitlist_slot_locks.offer_id = $7)
		RETURNING offer_id
	`, key.PractitionerID, key.Date, key.StartTime, toOfferID, now, expiresAt, fromOfferID).Scan(&holder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("acquire slot lock: %w", err)
	}
	return holder == toOfferID, nil
}

func (p *PgLocker) Release(ctx context.Context, key Key, expectedOfferID string) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM waitlist_slot_locks
		WHERE practitioner_id = $1 AND slot_date = $2 AND start_time = $3
		  AND offer_id = $4
	`, key.PractitionerID, key.Date, key.StartTime, expectedOfferID)
	if err != nil {
		return false, fmt.Errorf("release slot lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PgLocker) Sweep(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM waitlist_slot_locks WHERE expires_at <= $1`, p.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("sweep slot locks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
