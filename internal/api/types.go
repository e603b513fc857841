package api

import (
	"errors"
	"strings"
	"time"

	"github.com/daminiR/medspa-waitlist/internal/config"
	"github.com/daminiR/medspa-waitlist/internal/waitlist"
)

const (
	dateLayout  = "2006-01-02"
	clockLayout = "15:04"
)

type CreateEntryRequest struct {
	PatientID               string    `json:"patient_id"`
	PatientName             string    `json:"patient_name"`
	PatientPhone            string    `json:"patient_phone"`
	PatientEmail            string    `json:"patient_email"`
	RequestedService        string    `json:"requested_service"`
	ServiceCategory         string    `json:"service_category"`
	ServiceDurationMinutes  int       `json:"service_duration_minutes"`
	PreferredPractitionerID string    `json:"preferred_practitioner_id"`
	AvailabilityStart       time.Time `json:"availability_start"`
	AvailabilityEnd         time.Time `json:"availability_end"`
	Priority                string    `json:"priority"`
	Notes                   string    `json:"notes"`
	HasCompletedForms       bool      `json:"has_completed_forms"`
	Deposit                 float64   `json:"deposit"`
}

func (r CreateEntryRequest) toNewEntry() waitlist.NewEntry {
	return waitlist.NewEntry{
		PatientID:               r.PatientID,
		PatientName:             r.PatientName,
		PatientPhone:            r.PatientPhone,
		PatientEmail:            r.PatientEmail,
		RequestedService:        r.RequestedService,
		ServiceCategory:         r.ServiceCategory,
		ServiceDurationMinutes:  r.ServiceDurationMinutes,
		PreferredPractitionerID: r.PreferredPractitionerID,
		AvailabilityStart:       r.AvailabilityStart,
		AvailabilityEnd:         r.AvailabilityEnd,
		Priority:                waitlist.Priority(strings.ToLower(r.Priority)),
		Notes:                   r.Notes,
		HasCompletedForms:       r.HasCompletedForms,
		Deposit:                 r.Deposit,
	}
}

type UpdateEntryRequest struct {
	PatientName             *string    `json:"patient_name"`
	PatientPhone            *string    `json:"patient_phone"`
	PatientEmail            *string    `json:"patient_email"`
	PreferredPractitionerID *string    `json:"preferred_practitioner_id"`
	AvailabilityStart       *time.Time `json:"availability_start"`
	AvailabilityEnd         *time.Time `json:"availability_end"`
	Priority                *string    `json:"priority"`
	Notes                   *string    `json:"notes"`
	HasCompletedForms       *bool      `json:"has_completed_forms"`
	Deposit                 *float64   `json:"deposit"`
}

func (r UpdateEntryRequest) toPatch() waitlist.EntryPatch {
	p := waitlist.EntryPatch{
		PatientName:             r.PatientName,
		PatientPhone:            r.PatientPhone,
		PatientEmail:            r.PatientEmail,
		PreferredPractitionerID: r.PreferredPractitionerID,
		AvailabilityStart:       r.AvailabilityStart,
		AvailabilityEnd:         r.AvailabilityEnd,
		Notes:                   r.Notes,
		HasCompletedForms:       r.HasCompletedForms,
		Deposit:                 r.Deposit,
	}
	if r.Priority != nil {
		prio := waitlist.Priority(strings.ToLower(*r.Priority))
		p.Priority = &prio
	}
	return p
}

type RemoveEntryRequest struct {
	Reason string `json:"reason"`
}

type EntryResponse struct {
	ID                         string     `json:"id"`
	PatientID                  string     `json:"patient_id,omitempty"`
	PatientName                string     `json:"patient_name"`
	PatientPhone               string     `json:"patient_phone,omitempty"`
	PatientEmail               string     `json:"patient_email,omitempty"`
	RequestedService           string     `json:"requested_service"`
	ServiceCategory            string     `json:"service_category,omitempty"`
	ServiceDurationMinutes     int        `json:"service_duration_minutes"`
	PreferredPractitionerID    string     `json:"preferred_practitioner_id,omitempty"`
	AvailabilityStart          time.Time  `json:"availability_start"`
	AvailabilityEnd            time.Time  `json:"availability_end"`
	Priority                   string     `json:"priority"`
	Tier                       string     `json:"tier"`
	Status                     string     `json:"status"`
	WaitingSince               time.Time  `json:"waiting_since"`
	OfferedAt                  *time.Time `json:"offered_at,omitempty"`
	BookedAt                   *time.Time `json:"booked_at,omitempty"`
	RemovedAt                  *time.Time `json:"removed_at,omitempty"`
	RemovedReason              *string    `json:"removed_reason,omitempty"`
	OfferCount                 int        `json:"offer_count"`
	DeclinedOffers             int        `json:"declined_offers"`
	AverageResponseTimeMinutes float64    `json:"average_response_time_minutes"`
	Notes                      string     `json:"notes,omitempty"`
	HasCompletedForms          bool       `json:"has_completed_forms"`
	Deposit                    float64    `json:"deposit"`
}

func newEntryResponse(e *waitlist.Entry) EntryResponse {
	return EntryResponse{
		ID:                         e.ID,
		PatientID:                  e.PatientID,
		PatientName:                e.PatientName,
		PatientPhone:               e.PatientPhone,
		PatientEmail:               e.PatientEmail,
		RequestedService:           e.RequestedService,
		ServiceCategory:            e.ServiceCategory,
		ServiceDurationMinutes:     e.ServiceDurationMinutes,
		PreferredPractitionerID:    e.PreferredPractitionerID,
		AvailabilityStart:          e.AvailabilityStart,
		AvailabilityEnd:            e.AvailabilityEnd,
		Priority:                   string(e.Priority),
		Tier:                       string(e.Tier),
		Status:                     string(e.Status),
		WaitingSince:               e.WaitingSince,
		OfferedAt:                  e.OfferedAt,
		BookedAt:                   e.BookedAt,
		RemovedAt:                  e.RemovedAt,
		RemovedReason:              e.RemovedReason,
		OfferCount:                 e.OfferCount,
		DeclinedOffers:             e.DeclinedOffers,
		AverageResponseTimeMinutes: e.AverageResponseTimeMinutes,
		Notes:                      e.Notes,
		HasCompletedForms:          e.HasCompletedForms,
		Deposit:                    e.Deposit,
	}
}

type EntryListResponse struct {
	Entries []EntryResponse `json:"entries"`
	Total   int             `json:"total"`
	Page    int             `json:"page"`
	Limit   int             `json:"limit"`
}

// SlotRequest carries a slot as the front desk sees it: a date and wall
// clock times in the clinic's zone.
type SlotRequest struct {
	PractitionerID   string `json:"practitioner_id"`
	PractitionerName string `json:"practitioner_name"`
	Date             string `json:"date"`
	StartTime        string `json:"start_time"`
	EndTime          string `json:"end_time"`
	DurationMinutes  int    `json:"duration_minutes"`
	ServiceName      string `json:"service_name"`
	ServiceCategory  string `json:"service_category"`
	RoomID           string `json:"room_id"`
}

func (r SlotRequest) toSlot(loc *time.Location) (waitlist.Slot, error) {
	start, err := time.ParseInLocation(dateLayout+" "+clockLayout, r.Date+" "+r.StartTime, loc)
	if err != nil {
		return waitlist.Slot{}, errors.New("date and start_time must look like 2006-01-02 and 15:04")
	}
	end, err := time.ParseInLocation(dateLayout+" "+clockLayout, r.Date+" "+r.EndTime, loc)
	if err != nil {
		return waitlist.Slot{}, errors.New("end_time must look like 15:04")
	}
	duration := r.DurationMinutes
	if duration == 0 {
		duration = int(end.Sub(start).Minutes())
	}
	return waitlist.Slot{
		PractitionerID:   strings.TrimSpace(r.PractitionerID),
		PractitionerName: r.PractitionerName,
		StartTime:        start.UTC(),
		EndTime:          end.UTC(),
		DurationMinutes:  duration,
		ServiceName:      r.ServiceName,
		ServiceCategory:  r.ServiceCategory,
		RoomID:           r.RoomID,
	}, nil
}

type SlotResponse struct {
	PractitionerID   string    `json:"practitioner_id"`
	PractitionerName string    `json:"practitioner_name,omitempty"`
	Date             string    `json:"date"`
	StartTime        string    `json:"start_time"`
	EndTime          string    `json:"end_time"`
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	DurationMinutes  int       `json:"duration_minutes"`
	ServiceName      string    `json:"service_name"`
	ServiceCategory  string    `json:"service_category,omitempty"`
	RoomID           string    `json:"room_id,omitempty"`
}

func newSlotResponse(s waitlist.Slot, loc *time.Location) SlotResponse {
	start, end := s.StartTime.In(loc), s.EndTime.In(loc)
	return SlotResponse{
		PractitionerID:   s.PractitionerID,
		PractitionerName: s.PractitionerName,
		Date:             start.Format(dateLayout),
		StartTime:        start.Format(clockLayout),
		EndTime:          end.Format(clockLayout),
		Start:            s.StartTime,
		End:              s.EndTime,
		DurationMinutes:  s.DurationMinutes,
		ServiceName:      s.ServiceName,
		ServiceCategory:  s.ServiceCategory,
		RoomID:           s.RoomID,
	}
}

type SendOfferRequest struct {
	Slot          SlotRequest `json:"slot"`
	SentVia       string      `json:"sent_via"`
	ExpiryMinutes int         `json:"expiry_minutes"`
}

func (r SendOfferRequest) options() waitlist.SendOfferOptions {
	return waitlist.SendOfferOptions{
		SentVia:       waitlist.Channel(strings.ToLower(r.SentVia)),
		ExpiryMinutes: r.ExpiryMinutes,
	}
}

type MatchRequest struct {
	Slot              SlotRequest `json:"slot"`
	Limit             int         `json:"limit"`
	IncludeIneligible bool        `json:"include_ineligible"`
}

type OfferResponse struct {
	ID              string       `json:"id"`
	Token           string       `json:"token,omitempty"`
	WaitlistEntryID string       `json:"waitlist_entry_id"`
	PatientName     string       `json:"patient_name"`
	Slot            SlotResponse `json:"slot"`
	SentAt          time.Time    `json:"sent_at"`
	ExpiresAt       time.Time    `json:"expires_at"`
	Status          string       `json:"status"`
	RespondedAt     *time.Time   `json:"responded_at,omitempty"`
	ResponseAction  string       `json:"response_action,omitempty"`
	DeclineReason   string       `json:"decline_reason,omitempty"`
	SentVia         string       `json:"sent_via"`
	CascadeLevel    int          `json:"cascade_level"`
	PreviousOfferID *string      `json:"previous_offer_id,omitempty"`
	ChainID         string       `json:"chain_id"`
}

func newOfferResponse(o *waitlist.Offer, loc *time.Location) OfferResponse {
	resp := OfferResponse{
		ID:              o.ID,
		Token:           o.OfferToken,
		WaitlistEntryID: o.WaitlistEntryID,
		PatientName:     o.PatientName,
		Slot:            newSlotResponse(o.Slot, loc),
		SentAt:          o.SentAt,
		ExpiresAt:       o.ExpiresAt,
		Status:          string(o.Status),
		RespondedAt:     o.RespondedAt,
		DeclineReason:   o.DeclineReason,
		SentVia:         string(o.SentVia),
		CascadeLevel:    o.CascadeLevel,
		PreviousOfferID: o.PreviousOfferID,
		ChainID:         o.ChainID,
	}
	if o.ResponseAction != nil {
		resp.ResponseAction = string(*o.ResponseAction)
	}
	return resp
}

type SendOfferResponse struct {
	Offer        OfferResponse `json:"offer"`
	ShareableURL string        `json:"shareable_url"`
	Message      string        `json:"message"`
}

// PublicOfferResponse is the patient-facing view of an offer link.
type PublicOfferResponse struct {
	PatientName      string       `json:"patient_name"`
	Slot             SlotResponse `json:"slot"`
	Status           string       `json:"status"`
	ExpiresAt        time.Time    `json:"expires_at"`
	CanRespond       bool         `json:"can_respond"`
	RemainingSeconds int64        `json:"remaining_seconds"`
	Message          string       `json:"message"`
}

func newPublicOfferResponse(v *waitlist.OfferView, loc *time.Location) PublicOfferResponse {
	return PublicOfferResponse{
		PatientName:      v.Offer.PatientName,
		Slot:             newSlotResponse(v.Offer.Slot, loc),
		Status:           string(v.Offer.Status),
		ExpiresAt:        v.Offer.ExpiresAt,
		CanRespond:       v.CanRespond,
		RemainingSeconds: max(v.RemainingSeconds, 0),
		Message:          v.Message,
	}
}

type RespondRequest struct {
	Action        string `json:"action"`
	DeclineReason string `json:"decline_reason"`
}

type StaffRespondRequest struct {
	DeclineReason string `json:"decline_reason"`
}

type RespondResponse struct {
	Status        string       `json:"status"`
	Slot          SlotResponse `json:"slot"`
	AppointmentID string       `json:"appointment_id,omitempty"`
	// NextOfferID is set when a decline cascaded the slot.
	NextOfferID string `json:"next_offer_id,omitempty"`
	Message     string `json:"message"`
}

type MatchResponse struct {
	Entry                EntryResponse           `json:"entry"`
	Eligible             bool                    `json:"eligible"`
	Score                int                     `json:"score"`
	Reasons              []string                `json:"reasons"`
	IneligibilityReasons []string                `json:"ineligibility_reasons,omitempty"`
	Breakdown            waitlist.ScoreBreakdown `json:"breakdown"`
}

type SettingsResponse struct {
	AutoOfferEnabled    bool             `json:"auto_offer_enabled"`
	OfferExpiryMinutes  int              `json:"offer_expiry_minutes"`
	MaxOffersPerSlot    int              `json:"max_offers_per_slot"`
	MinNoticeHours      float64          `json:"min_notice_hours"`
	AutoExpireAfterDays int              `json:"auto_expire_after_days"`
	SMSEnabled          bool             `json:"sms_enabled"`
	EmailEnabled        bool             `json:"email_enabled"`
	TierRules           config.TierRules `json:"tier_rules"`
	OfferSequence       string           `json:"offer_sequence"`
}

func newSettingsResponse(s config.Settings) SettingsResponse {
	return SettingsResponse{
		AutoOfferEnabled:    s.AutoOfferEnabled,
		OfferExpiryMinutes:  s.OfferExpiryMinutes,
		MaxOffersPerSlot:    s.MaxOffersPerSlot,
		MinNoticeHours:      s.MinNotice.Hours(),
		AutoExpireAfterDays: s.AutoExpireAfterDays,
		SMSEnabled:          s.SMSEnabled,
		EmailEnabled:        s.EmailEnabled,
		TierRules:           s.TierRules,
		OfferSequence:       s.OfferSequence,
	}
}

// UpdateSettingsRequest is a partial update; omitted fields keep their value.
type UpdateSettingsRequest struct {
	AutoOfferEnabled    *bool             `json:"auto_offer_enabled"`
	OfferExpiryMinutes  *int              `json:"offer_expiry_minutes"`
	MaxOffersPerSlot    *int              `json:"max_offers_per_slot"`
	MinNoticeHours      *float64          `json:"min_notice_hours"`
	AutoExpireAfterDays *int              `json:"auto_expire_after_days"`
	SMSEnabled          *bool             `json:"sms_enabled"`
	EmailEnabled        *bool             `json:"email_enabled"`
	TierRules           *config.TierRules `json:"tier_rules"`
	OfferSequence       *string           `json:"offer_sequence"`
}

func (r UpdateSettingsRequest) apply(s config.Settings) config.Settings {
	if r.AutoOfferEnabled != nil {
		s.AutoOfferEnabled = *r.AutoOfferEnabled
	}
	if r.OfferExpiryMinutes != nil {
		s.OfferExpiryMinutes = *r.OfferExpiryMinutes
	}
	if r.MaxOffersPerSlot != nil {
		s.MaxOffersPerSlot = *r.MaxOffersPerSlot
	}
	if r.MinNoticeHours != nil {
		s.MinNotice = time.Duration(*r.MinNoticeHours * float64(time.Hour))
	}
	if r.AutoExpireAfterDays != nil {
		s.AutoExpireAfterDays = *r.AutoExpireAfterDays
	}
	if r.SMSEnabled != nil {
		s.SMSEnabled = *r.SMSEnabled
	}
	if r.EmailEnabled != nil {
		s.EmailEnabled = *r.EmailEnabled
	}
	if r.TierRules != nil {
		s.TierRules = *r.TierRules
	}
	if r.OfferSequence != nil {
		s.OfferSequence = *r.OfferSequence
	}
	return s
}

type StatisticsResponse struct {
	TotalEntries               int            `json:"total_entries"`
	ByStatus                   map[string]int `json:"by_status"`
	ByTier                     map[string]int `json:"by_tier"`
	ByPriority                 map[string]int `json:"by_priority"`
	AverageWaitDays            float64        `json:"average_wait_days"`
	AverageResponseTimeMinutes float64        `json:"average_response_time_minutes"`
	OffersSent                 int            `json:"offers_sent"`
	OffersPending              int            `json:"offers_pending"`
	OffersAccepted             int            `json:"offers_accepted"`
	OffersDeclined             int            `json:"offers_declined"`
	OffersExpired              int            `json:"offers_expired"`
	CascadedOffers             int            `json:"cascaded_offers"`
	AcceptanceRate             float64        `json:"acceptance_rate"`
}

func newStatisticsResponse(st *waitlist.Statistics) StatisticsResponse {
	return StatisticsResponse{
		TotalEntries:               st.TotalEntries,
		ByStatus:                   stringKeys(st.ByStatus),
		ByTier:                     stringKeys(st.ByTier),
		ByPriority:                 stringKeys(st.ByPriority),
		AverageWaitDays:            st.AverageWaitDays,
		AverageResponseTimeMinutes: st.AverageResponseTimeMinutes,
		OffersSent:                 st.OffersSent,
		OffersPending:              st.OffersPending,
		OffersAccepted:             st.OffersAccepted,
		OffersDeclined:             st.OffersDeclined,
		OffersExpired:              st.OffersExpired,
		CascadedOffers:             st.CascadedOffers,
		AcceptanceRate:             st.AcceptanceRate,
	}
}

func stringKeys[K ~string](m map[K]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[string(k)] = v
	}
	return out
}

type ErrorResponse struct {
	Error         string `json:"error"`
	Details       string `json:"details,omitempty"`
	Field         string `json:"field,omitempty"`
	CurrentStatus string `json:"current_status,omitempty"`
}
