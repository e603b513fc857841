package waitlist

import (
	"context"
	"errors"
	"time"
)

// ErrOfferStatusChanged is returned when a conditional offer update finds the
// offer no longer in the expected status.
var ErrOfferStatusChanged = errors.New("offer status changed concurrently")

type EntryRepository interface {
	CreateEntry(ctx context.Context, e *Entry) error
	GetEntry(ctx context.Context, id string) (*Entry, error)
	// ListEntries returns entries in any of the given statuses, or all
	// entries when none are given.
	ListEntries(ctx context.Context, statuses ...EntryStatus) ([]Entry, error)
	// UpdateEntry stores e if the stored version still equals e.Version and
	// returns the stored copy with the bumped version.
	UpdateEntry(ctx context.Context, e *Entry) (*Entry, error)
}

type OfferRepository interface {
	// CreateOffer fails with ErrConflict when the entry or the slot already
	// has a pending offer.
	CreateOffer(ctx context.Context, o *Offer) error
	GetOffer(ctx context.Context, id string) (*Offer, error)
	GetOfferByToken(ctx context.Context, token string) (*Offer, error)
	// UpdateOfferStatus writes the response fields of o if the stored status
	// still equals from.
	UpdateOfferStatus(ctx context.Context, o *Offer, from OfferStatus) (*Offer, error)
	PendingOfferForEntry(ctx context.Context, entryID string) (*Offer, error)
	// PendingOfferForSlot returns the pending offer on slot's practitioner
	// and start time, lapsed or not.
	PendingOfferForSlot(ctx context.Context, slot Slot) (*Offer, error)
	ListOffers(ctx context.Context, statuses ...OfferStatus) ([]Offer, error)
	ListChain(ctx context.Context, chainID string) ([]Offer, error)
	FindExpiredPending(ctx context.Context, now time.Time) ([]Offer, error)
}

type EventRepository interface {
	InsertEvent(ctx context.Context, ev EventLog) error
}

// Repository contains all storage interactions needed by the engine.
type Repository interface {
	EntryRepository
	OfferRepository
	EventRepository
}

// PatientHistory looks up the visit and spend history behind tier computation.
type PatientHistory interface {
	GetPatientHistory(ctx context.Context, patientID string) (*PatientHistoryRecord, error)
}

type BookingRequest struct {
	// IdempotencyKey is the offer id, so a retried accept books once.
	IdempotencyKey string
	PatientID      string
	PatientName    string
	PatientPhone   string
	PatientEmail   string
	Slot           Slot
}

// Booker materializes an appointment for an accepted offer.
type Booker interface {
	CreateAppointment(ctx context.Context, req BookingRequest) (*Appointment, error)
}

type Message struct {
	Channel     Channel
	Recipient   string
	TemplateKey string
	Body        string
	Variables   map[string]string
}

// Messenger transports a rendered message. The engine decides what to send.
type Messenger interface {
	Send(ctx context.Context, msg Message) error
}
