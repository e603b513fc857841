package waitlist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the postgres SQLSTATE for a unique index conflict.
const uniqueViolation = "23505"

type PgRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PgRepository)(nil)

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const entryColumns = `
	id, patient_id, patient_name, patient_phone, patient_email,
	requested_service, service_category, service_duration_minutes, preferred_practitioner_id,
	availability_start, availability_end, priority, tier, status, waiting_since,
	offered_at, booked_at, removed_at, last_offer_at, removed_reason,
	offer_count, accepted_offers, declined_offers, total_responses, average_response_time_minutes,
	notes, has_completed_forms, deposit, version, updated_at`

const offerColumns = `
	id, offer_token, waitlist_entry_id, patient_id, patient_name, patient_phone, patient_email,
	practitioner_id, practitioner_name, slot_start, slot_end, duration_minutes,
	service_name, service_category, room_id,
	sent_at, expires_at, status, responded_at, response_action, decline_reason,
	sent_via, cascade_level, previous_offer_id, chain_id`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(
		&e.ID, &e.PatientID, &e.PatientName, &e.PatientPhone, &e.PatientEmail,
		&e.RequestedService, &e.ServiceCategory, &e.ServiceDurationMinutes, &e.PreferredPractitionerID,
		&e.AvailabilityStart, &e.AvailabilityEnd, &e.Priority, &e.Tier, &e.Status, &e.WaitingSince,
		&e.OfferedAt, &e.BookedAt, &e.RemovedAt, &e.LastOfferAt, &e.RemovedReason,
		&e.OfferCount, &e.AcceptedOffers, &e.DeclinedOffers, &e.TotalResponses, &e.AverageResponseTimeMinutes,
		&e.Notes, &e.HasCompletedForms, &e.Deposit, &e.Version, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func scanOffer(row pgx.Row) (*Offer, error) {
	var o Offer
	var action *string
	err := row.Scan(
		&o.ID, &o.OfferToken, &o.WaitlistEntryID, &o.PatientID, &o.PatientName, &o.PatientPhone, &o.PatientEmail,
		&o.Slot.PractitionerID, &o.Slot.PractitionerName, &o.Slot.StartTime, &o.Slot.EndTime, &o.Slot.DurationMinutes,
		&o.Slot.ServiceName, &o.Slot.ServiceCategory, &o.Slot.RoomID,
		&o.SentAt, &o.ExpiresAt, &o.Status, &o.RespondedAt, &action, &o.DeclineReason,
		&o.SentVia, &o.CascadeLevel, &o.PreviousOfferID, &o.ChainID,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if action != nil {
		a := ResponseAction(*action)
		o.ResponseAction = &a
	}
	return &o, nil
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()

	var result []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func collectOffers(rows pgx.Rows) ([]Offer, error) {
	defer rows.Close()

	var result []Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (r *PgRepository) CreateEntry(ctx context.Context, e *Entry) error {
	e.Version = 1
	_, err := r.pool.Exec(ctx, `
		INSERT INTO waitlist_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30)
	`,
		e.ID, e.PatientID, e.PatientName, e.PatientPhone, e.PatientEmail,
		e.RequestedService, e.ServiceCategory, e.ServiceDurationMinutes, e.PreferredPractitionerID,
		e.AvailabilityStart, e.AvailabilityEnd, e.Priority, e.Tier, e.Status, e.WaitingSince,
		e.OfferedAt, e.BookedAt, e.RemovedAt, e.LastOfferAt, e.RemovedReason,
		e.OfferCount, e.AcceptedOffers, e.DeclinedOffers, e.TotalResponses, e.AverageResponseTimeMinutes,
		e.Notes, e.HasCompletedForms, e.Deposit, e.Version, e.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert waitlist entry: %w", err)
	}
	return nil
}

func (r *PgRepository) GetEntry(ctx context.Context, id string) (*Entry, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM waitlist_entries WHERE id = $1`, id)
	return scanEntry(row)
}

func (r *PgRepository) ListEntries(ctx context.Context, statuses ...EntryStatus) ([]Entry, error) {
	filter := make([]string, len(statuses))
	for i, s := range statuses {
		filter[i] = string(s)
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM waitlist_entries
		WHERE cardinality($1::text[]) = 0 OR status = ANY($1)
		ORDER BY waiting_since, id
	`, filter)
	if err != nil {
		return nil, fmt.Errorf("list waitlist entries: %w", err)
	}
	return collectEntries(rows)
}

func (r *PgRepository) UpdateEntry(ctx context.Context, e *Entry) (*Entry, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE waitlist_entries
		SET patient_name = $3, patient_phone = $4, patient_email = $5,
		    requested_service = $6, service_category = $7, service_duration_minutes = $8,
		    preferred_practitioner_id = $9, availability_start = $10, availability_end = $11,
		    priority = $12, tier = $13, status = $14,
		    offered_at = $15, booked_at = $16, removed_at = $17, last_offer_at = $18, removed_reason = $19,
		    offer_count = $20, accepted_offers = $21, declined_offers = $22, total_responses = $23,
		    average_response_time_minutes = $24, notes = $25, has_completed_forms = $26, deposit = $27,
		    updated_at = $28, version = version + 1
		WHERE id = $1
		  AND version = $2
		RETURNING `+entryColumns,
		e.ID, e.Version, e.PatientName, e.PatientPhone, e.PatientEmail,
		e.RequestedService, e.ServiceCategory, e.ServiceDurationMinutes,
		e.PreferredPractitionerID, e.AvailabilityStart, e.AvailabilityEnd,
		e.Priority, e.Tier, e.Status,
		e.OfferedAt, e.BookedAt, e.RemovedAt, e.LastOfferAt, e.RemovedReason,
		e.OfferCount, e.AcceptedOffers, e.DeclinedOffers, e.TotalResponses,
		e.AverageResponseTimeMinutes, e.Notes, e.HasCompletedForms, e.Deposit,
		e.UpdatedAt,
	)
	updated, err := scanEntry(row)
	if errors.Is(err, ErrNotFound) {
		// Either the row is gone or the version moved on.
		if _, getErr := r.GetEntry(ctx, e.ID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("update waitlist entry: %w", err)
	}
	return updated, nil
}

func (r *PgRepository) CreateOffer(ctx context.Context, o *Offer) error {
	var action *string
	if o.ResponseAction != nil {
		a := string(*o.ResponseAction)
		action = &a
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO waitlist_offers (`+offerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
	`,
		o.ID, o.OfferToken, o.WaitlistEntryID, o.PatientID, o.PatientName, o.PatientPhone, o.PatientEmail,
		o.Slot.PractitionerID, o.Slot.PractitionerName, o.Slot.StartTime, o.Slot.EndTime, o.Slot.DurationMinutes,
		o.Slot.ServiceName, o.Slot.ServiceCategory, o.Slot.RoomID,
		o.SentAt, o.ExpiresAt, o.Status, o.RespondedAt, action, o.DeclineReason,
		o.SentVia, o.CascadeLevel, o.PreviousOfferID, o.ChainID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert waitlist offer: %w", err)
	}
	return nil
}

func (r *PgRepository) GetOffer(ctx context.Context, id string) (*Offer, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+offerColumns+` FROM waitlist_offers WHERE id = $1`, id)
	return scanOffer(row)
}

func (r *PgRepository) GetOfferByToken(ctx context.Context, token string) (*Offer, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+offerColumns+` FROM waitlist_offers WHERE offer_token = $1`, token)
	return scanOffer(row)
}

func (r *PgRepository) UpdateOfferStatus(ctx context.Context, o *Offer, from OfferStatus) (*Offer, error) {
	var action *string
	if o.ResponseAction != nil {
		a := string(*o.ResponseAction)
		action = &a
	}
	row := r.pool.QueryRow(ctx, `
		UPDATE waitlist_offers
		SET status = $2,
		    responded_at = $3,
		    response_action = $4,
		    decline_reason = $5
		WHERE id = $1
		  AND status = $6
		RETURNING `+offerColumns,
		o.ID, o.Status, o.RespondedAt, action, o.DeclineReason, from,
	)
	updated, err := scanOffer(row)
	if errors.Is(err, ErrNotFound) {
		if _, getErr := r.GetOffer(ctx, o.ID); getErr != nil {
			return nil, getErr
		}
		return nil, ErrOfferStatusChanged
	}
	if err != nil {
		return nil, fmt.Errorf("update offer status: %w", err)
	}
	return updated, nil
}

func (r *PgRepository) PendingOfferForEntry(ctx context.Context, entryID string) (*Offer, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+offerColumns+`
		FROM waitlist_offers
		WHERE waitlist_entry_id = $1 AND status = 'pending'
	`, entryID)
	return scanOffer(row)
}

func (r *PgRepository) PendingOfferForSlot(ctx context.Context, slot Slot) (*Offer, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+offerColumns+`
		FROM waitlist_offers
		WHERE practitioner_id = $1 AND slot_start = $2 AND status = 'pending'
	`, slot.PractitionerID, slot.StartTime.UTC())
	return scanOffer(row)
}

func (r *PgRepository) ListOffers(ctx context.Context, statuses ...OfferStatus) ([]Offer, error) {
	filter := make([]string, len(statuses))
	for i, s := range statuses {
		filter[i] = string(s)
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+offerColumns+`
		FROM waitlist_offers
		WHERE cardinality($1::text[]) = 0 OR status = ANY($1)
		ORDER BY sent_at, cascade_level
	`, filter)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	return collectOffers(rows)
}

func (r *PgRepository) ListChain(ctx context.Context, chainID string) ([]Offer, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+offerColumns+`
		FROM waitlist_offers
		WHERE chain_id = $1
		ORDER BY cascade_level
	`, chainID)
	if err != nil {
		return nil, fmt.Errorf("list offer chain: %w", err)
	}
	return collectOffers(rows)
}

func (r *PgRepository) FindExpiredPending(ctx context.Context, now time.Time) ([]Offer, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+offerColumns+`
		FROM waitlist_offers
		WHERE status = 'pending'
		  AND expires_at < $1
		ORDER BY expires_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("find expired offers: %w", err)
	}
	return collectOffers(rows)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, entry_id, offer_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.EntryID, ev.OfferID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
