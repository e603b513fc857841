package waitlist

import (
	"time"

	"github.com/daminiR/medspa-waitlist/internal/slotlock"
)

type EntryStatus string

const (
	EntryActive  EntryStatus = "active"
	EntryOffered EntryStatus = "offered"
	EntryBooked  EntryStatus = "booked"
	EntryExpired EntryStatus = "expired"
	EntryRemoved EntryStatus = "removed"
)

// Terminal reports whether the entry can no longer change. Expired entries
// are terminal as well; a patient who wants back in gets a new entry.
func (s EntryStatus) Terminal() bool {
	return s == EntryBooked || s == EntryRemoved || s == EntryExpired
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

type Tier string

const (
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

func (t Tier) Valid() bool {
	return t == TierSilver || t == TierGold || t == TierPlatinum
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
	OfferExpired  OfferStatus = "expired"
)

type ResponseAction string

const (
	ActionAccepted ResponseAction = "accepted"
	ActionDeclined ResponseAction = "declined"
	ActionExpired  ResponseAction = "expired"
)

// Action is what a patient asks for when answering an offer.
type Action string

const (
	Accept  Action = "accept"
	Decline Action = "decline"
)

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelBoth  Channel = "both"
	// ChannelStaff routes internal notices to the front desk.
	ChannelStaff Channel = "staff"
)

func (c Channel) validForOffer() bool {
	return c == ChannelSMS || c == ChannelEmail || c == ChannelBoth
}

// Entry is one patient's standing request for a service.
type Entry struct {
	ID        string
	PatientID string

	PatientName  string
	PatientPhone string
	PatientEmail string

	RequestedService        string
	ServiceCategory         string
	ServiceDurationMinutes  int
	PreferredPractitionerID string

	AvailabilityStart time.Time
	AvailabilityEnd   time.Time

	Priority Priority
	Tier     Tier

	Status        EntryStatus
	WaitingSince  time.Time
	OfferedAt     *time.Time
	BookedAt      *time.Time
	RemovedAt     *time.Time
	LastOfferAt   *time.Time
	RemovedReason *string

	OfferCount                 int
	AcceptedOffers             int
	DeclinedOffers             int
	TotalResponses             int
	AverageResponseTimeMinutes float64

	Notes             string
	HasCompletedForms bool
	Deposit           float64

	// Version increments on every stored update.
	Version   int64
	UpdatedAt time.Time
}

// Covers reports whether the slot lies inside the entry's availability window.
func (e *Entry) Covers(slot Slot) bool {
	return !slot.StartTime.Before(e.AvailabilityStart) && !slot.EndTime.After(e.AvailabilityEnd)
}

// Slot is the appointment opportunity carried by an offer. It does not change
// once an offer is created.
type Slot struct {
	PractitionerID   string
	PractitionerName string
	StartTime        time.Time
	EndTime          time.Time
	DurationMinutes  int
	ServiceName      string
	ServiceCategory  string
	RoomID           string
}

func (s Slot) Key() slotlock.Key {
	return slotlock.NewKey(s.PractitionerID, s.StartTime)
}

func (s Slot) Date() string {
	return s.Key().Date
}

type Offer struct {
	ID              string
	OfferToken      string
	WaitlistEntryID string
	PatientID       string
	PatientName     string
	PatientPhone    string
	PatientEmail    string

	Slot Slot

	SentAt    time.Time
	ExpiresAt time.Time

	Status         OfferStatus
	RespondedAt    *time.Time
	ResponseAction *ResponseAction
	DeclineReason  string

	SentVia Channel

	CascadeLevel    int
	PreviousOfferID *string
	// ChainID is the id of the level-0 offer of this slot opening.
	ChainID string
}

func (o *Offer) lapsed(now time.Time) bool {
	return o.Status == OfferPending && now.After(o.ExpiresAt)
}

// Appointment is what the booking collaborator returns on accept.
type Appointment struct {
	ID        string
	PatientID string
	Slot      Slot
	CreatedAt time.Time
}

// PatientHistoryRecord feeds tier computation.
type PatientHistoryRecord struct {
	VisitCount  int
	TotalSpend  float64
	LastVisitAt *time.Time
}

type EventLog struct {
	ID        int64
	EventType string
	EntryID   *string
	OfferID   *string
	Payload   []byte
	CreatedAt time.Time
}

const (
	EventEntryAdded       = "ENTRY_ADDED"
	EventEntryRemoved     = "ENTRY_REMOVED"
	EventEntryExpired     = "ENTRY_EXPIRED"
	EventOfferSent        = "OFFER_SENT"
	EventOfferAccepted    = "OFFER_ACCEPTED"
	EventOfferDeclined    = "OFFER_DECLINED"
	EventOfferExpired     = "OFFER_EXPIRED"
	EventCascadeExhausted = "CASCADE_EXHAUSTED"
)

func timePtr(t time.Time) *time.Time { return &t }

func strPtr(s string) *string { return &s }
