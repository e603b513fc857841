package waitlist

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/daminiR/medspa-waitlist/internal/clock"
	"github.com/daminiR/medspa-waitlist/internal/config"
	"github.com/daminiR/medspa-waitlist/internal/slotlock"
)

var (
	ErrAutoOfferDisabled = fmt.Errorf("%w: automatic offers are disabled", ErrInvalidState)
	ErrNoEligibleEntries = fmt.Errorf("%w: no eligible waitlist entries for slot", ErrNotFound)
)

// Collaborators are the outside systems the engine calls.
type Collaborators struct {
	History   PatientHistory
	Booker    Booker
	Messenger Messenger
	Clock     clock.Clock
}

type Service struct {
	repo      Repository
	locker    slotlock.Locker
	entries   *EntryStore
	offers    *OfferManager
	cascade   *CascadeController
	history   PatientHistory
	booker    Booker
	messenger Messenger
	clock     clock.Clock
	log       *zap.Logger
	loc       *time.Location
	baseURL   string
	staffAddr string

	mu       sync.RWMutex
	settings config.Settings
}

func NewService(repo Repository, locker slotlock.Locker, collab Collaborators, cfg config.Config, log *zap.Logger) *Service {
	c := collab.Clock
	if c == nil {
		c = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}

	entries := NewEntryStore(repo, c, log.Named("entries"))
	offers := NewOfferManager(repo, locker, c, log.Named("offers"))
	entries.SetInvalidator(offers)

	return &Service{
		repo:      repo,
		locker:    locker,
		entries:   entries,
		offers:    offers,
		cascade:   NewCascadeController(offers, entries, repo, log.Named("cascade")),
		history:   collab.History,
		booker:    collab.Booker,
		messenger: collab.Messenger,
		clock:     c,
		log:       log,
		loc:       cfg.Location(),
		baseURL:   cfg.BaseURL,
		staffAddr: cfg.StaffNotifyAddress,
		settings:  cfg.Waitlist,
	}
}

func (s *Service) Settings() config.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// UpdateSettings replaces the waitlist settings after validating them.
func (s *Service) UpdateSettings(_ context.Context, next config.Settings) (config.Settings, error) {
	if err := next.Validate(); err != nil {
		return config.Settings{}, &ValidationError{Field: "settings", Reason: err.Error()}
	}
	s.mu.Lock()
	s.settings = next
	s.mu.Unlock()

	s.log.Info("waitlist settings updated",
		zap.Int("offer_expiry_minutes", next.OfferExpiryMinutes),
		zap.Int("max_offers_per_slot", next.MaxOffersPerSlot),
		zap.Duration("min_notice", next.MinNotice),
	)
	return next, nil
}

// NewEntry is what staff or the patient supply when joining the waitlist.
type NewEntry struct {
	PatientID               string
	PatientName             string
	PatientPhone            string
	PatientEmail            string
	RequestedService        string
	ServiceCategory         string
	ServiceDurationMinutes  int
	PreferredPractitionerID string
	AvailabilityStart       time.Time
	AvailabilityEnd         time.Time
	Priority                Priority
	Notes                   string
	HasCompletedForms       bool
	Deposit                 float64
}

func (in *NewEntry) validate() error {
	switch {
	case strings.TrimSpace(in.PatientName) == "":
		return invalid("patient_name", "is required")
	case strings.TrimSpace(in.PatientPhone) == "" && strings.TrimSpace(in.PatientEmail) == "":
		return invalid("patient_phone", "a phone number or email is required")
	case strings.TrimSpace(in.RequestedService) == "":
		return invalid("requested_service", "is required")
	case in.ServiceDurationMinutes <= 0:
		return invalid("service_duration_minutes", "must be positive")
	case in.AvailabilityStart.IsZero() || in.AvailabilityEnd.IsZero():
		return invalid("availability", "start and end are required")
	case !in.AvailabilityEnd.After(in.AvailabilityStart):
		return invalid("availability_end", "must be after availability_start")
	case in.Priority != "" && !in.Priority.Valid():
		return invalid("priority", "must be low, medium or high")
	case in.Deposit < 0:
		return invalid("deposit", "must not be negative")
	}
	return nil
}

func (s *Service) AddToWaitlist(ctx context.Context, in NewEntry) (*Entry, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.Priority == "" {
		in.Priority = PriorityMedium
	}

	e := &Entry{
		ID:                      uuid.NewString(),
		PatientID:               in.PatientID,
		PatientName:             strings.TrimSpace(in.PatientName),
		PatientPhone:            strings.TrimSpace(in.PatientPhone),
		PatientEmail:            strings.TrimSpace(in.PatientEmail),
		RequestedService:        strings.TrimSpace(in.RequestedService),
		ServiceCategory:         strings.TrimSpace(in.ServiceCategory),
		ServiceDurationMinutes:  in.ServiceDurationMinutes,
		PreferredPractitionerID: in.PreferredPractitionerID,
		AvailabilityStart:       in.AvailabilityStart.UTC(),
		AvailabilityEnd:         in.AvailabilityEnd.UTC(),
		Priority:                in.Priority,
		Tier:                    s.tierFor(ctx, in.PatientID),
		Status:                  EntryActive,
		Notes:                   in.Notes,
		HasCompletedForms:       in.HasCompletedForms,
		Deposit:                 in.Deposit,
	}
	if err := s.entries.Add(ctx, e); err != nil {
		return nil, err
	}

	s.logEvent(ctx, EventEntryAdded, e.ID, "", map[string]any{
		"service":  e.RequestedService,
		"priority": e.Priority,
		"tier":     e.Tier,
	})

	vars := map[string]string{"first_name": firstName(e.PatientName), "service": e.RequestedService}
	s.deliver(ctx, s.defaultChannel(), e.PatientPhone, e.PatientEmail, TemplateWaitlistConfirmation, vars)

	return e, nil
}

func (s *Service) tierFor(ctx context.Context, patientID string) Tier {
	if patientID == "" || s.history == nil {
		return TierSilver
	}
	h, err := s.history.GetPatientHistory(ctx, patientID)
	if err != nil {
		s.log.Warn("patient history unavailable, defaulting tier", zap.String("patient_id", patientID), zap.Error(err))
		return TierSilver
	}
	return ComputeTier(h, s.Settings().TierRules)
}

func (s *Service) GetEntry(ctx context.Context, id string) (*Entry, error) {
	e, err := s.entries.Find(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

type SortField string

const (
	SortByPriority     SortField = "priority"
	SortByTier         SortField = "tier"
	SortByWaitingSince SortField = "waiting_since"
)

type EntryFilter struct {
	Statuses       []EntryStatus
	Priority       Priority
	Tier           Tier
	Service        string
	PractitionerID string
	Search         string
	SortBy         SortField
	Descending     bool
	Page           int
	Limit          int
}

type EntryPage struct {
	Entries []Entry
	Total   int
	Page    int
	Limit   int
}

func (f *EntryFilter) match(e *Entry) bool {
	if f.Priority != "" && e.Priority != f.Priority {
		return false
	}
	if f.Tier != "" && e.Tier != f.Tier {
		return false
	}
	if f.Service != "" &&
		!strings.EqualFold(e.RequestedService, f.Service) &&
		!strings.EqualFold(e.ServiceCategory, f.Service) {
		return false
	}
	if f.PractitionerID != "" && e.PreferredPractitionerID != f.PractitionerID {
		return false
	}
	if q := strings.ToLower(strings.TrimSpace(f.Search)); q != "" {
		hay := strings.ToLower(strings.Join([]string{
			e.PatientName, e.PatientPhone, e.PatientEmail, e.RequestedService, e.Notes,
		}, " "))
		if !strings.Contains(hay, q) {
			return false
		}
	}
	return true
}

func (s *Service) ListEntries(ctx context.Context, f EntryFilter) (*EntryPage, error) {
	if f.SortBy != "" && f.SortBy != SortByPriority && f.SortBy != SortByTier && f.SortBy != SortByWaitingSince {
		return nil, invalid("sort_by", "must be priority, tier or waiting_since")
	}
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > 100 {
		f.Limit = 20
	}

	list, err := s.entries.List(ctx, f.match, f.Statuses...)
	if err != nil {
		return nil, err
	}

	var less func(a, b *Entry) bool
	switch f.SortBy {
	case SortByTier:
		less = func(a, b *Entry) bool { return TierWeight(a.Tier) < TierWeight(b.Tier) }
	case SortByWaitingSince:
		less = func(a, b *Entry) bool { return a.WaitingSince.Before(b.WaitingSince) }
	case SortByPriority:
		less = func(a, b *Entry) bool { return PriorityWeight(a.Priority) < PriorityWeight(b.Priority) }
	default:
		// Cascade order, best candidate first.
		less = outranks
		f.Descending = false
	}
	sort.SliceStable(list, func(i, j int) bool {
		if f.Descending {
			return less(&list[j], &list[i])
		}
		return less(&list[i], &list[j])
	})

	page := &EntryPage{Total: len(list), Page: f.Page, Limit: f.Limit}
	if from := (f.Page - 1) * f.Limit; from < len(list) {
		page.Entries = list[from:min(from+f.Limit, len(list))]
	}
	return page, nil
}

// EntryPatch holds the staff-editable fields. Nil fields are left alone.
type EntryPatch struct {
	PatientName             *string
	PatientPhone            *string
	PatientEmail            *string
	PreferredPractitionerID *string
	AvailabilityStart       *time.Time
	AvailabilityEnd         *time.Time
	Priority                *Priority
	Notes                   *string
	HasCompletedForms       *bool
	Deposit                 *float64
}

func (p EntryPatch) apply(e *Entry) error {
	if p.Priority != nil && !p.Priority.Valid() {
		return invalid("priority", "must be low, medium or high")
	}
	if p.Deposit != nil && *p.Deposit < 0 {
		return invalid("deposit", "must not be negative")
	}
	if p.PatientName != nil {
		if strings.TrimSpace(*p.PatientName) == "" {
			return invalid("patient_name", "must not be empty")
		}
		e.PatientName = strings.TrimSpace(*p.PatientName)
	}
	if p.PatientPhone != nil {
		e.PatientPhone = strings.TrimSpace(*p.PatientPhone)
	}
	if p.PatientEmail != nil {
		e.PatientEmail = strings.TrimSpace(*p.PatientEmail)
	}
	if e.PatientPhone == "" && e.PatientEmail == "" {
		return invalid("patient_phone", "a phone number or email is required")
	}
	if p.PreferredPractitionerID != nil {
		e.PreferredPractitionerID = *p.PreferredPractitionerID
	}
	if p.AvailabilityStart != nil {
		e.AvailabilityStart = p.AvailabilityStart.UTC()
	}
	if p.AvailabilityEnd != nil {
		e.AvailabilityEnd = p.AvailabilityEnd.UTC()
	}
	if !e.AvailabilityEnd.After(e.AvailabilityStart) {
		return invalid("availability_end", "must be after availability_start")
	}
	if p.Priority != nil {
		e.Priority = *p.Priority
	}
	if p.Notes != nil {
		e.Notes = *p.Notes
	}
	if p.HasCompletedForms != nil {
		e.HasCompletedForms = *p.HasCompletedForms
	}
	if p.Deposit != nil {
		e.Deposit = *p.Deposit
	}
	return nil
}

// UpdateEntry applies a staff edit. Booked, removed and expired entries
// are refused with a StateError.
func (s *Service) UpdateEntry(ctx context.Context, id string, patch EntryPatch) (*Entry, error) {
	return s.entries.Update(ctx, id, patch.apply)
}

// RemoveFromWaitlist soft-deletes an entry and invalidates its pending offer.
func (s *Service) RemoveFromWaitlist(ctx context.Context, id, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "removed by staff"
	}
	now := s.clock.Now()
	_, err := s.entries.Update(ctx, id, func(e *Entry) error {
		e.Status = EntryRemoved
		e.RemovedAt = timePtr(now)
		e.RemovedReason = strPtr(reason)
		return nil
	})
	if err != nil {
		return err
	}

	s.logEvent(ctx, EventEntryRemoved, id, "", map[string]any{"reason": reason})
	return nil
}

func (s *Service) logEvent(ctx context.Context, eventType, entryID, offerID string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("marshal event payload", zap.String("event_type", eventType), zap.Error(err))
		data = nil
	}

	ev := EventLog{
		EventType: eventType,
		Payload:   data,
		CreatedAt: s.clock.Now(),
	}
	if entryID != "" {
		ev.EntryID = strPtr(entryID)
	}
	if offerID != "" {
		ev.OfferID = strPtr(offerID)
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error("insert event log",
			zap.String("event_type", eventType),
			zap.String("entry_id", entryID),
			zap.String("offer_id", offerID),
			zap.Error(err),
		)
	}
}

func (s *Service) defaultChannel() Channel {
	st := s.Settings()
	switch {
	case st.SMSEnabled && st.EmailEnabled:
		return ChannelBoth
	case st.EmailEnabled:
		return ChannelEmail
	}
	return ChannelSMS
}

// resolveChannel defaults an empty channel and rejects disabled ones.
func (s *Service) resolveChannel(ch Channel) (Channel, error) {
	if ch == "" {
		return s.defaultChannel(), nil
	}
	if !ch.validForOffer() {
		return "", invalid("sent_via", "must be sms, email or both")
	}
	st := s.Settings()
	if (ch == ChannelSMS || ch == ChannelBoth) && !st.SMSEnabled {
		return "", invalid("sent_via", "sms is disabled")
	}
	if (ch == ChannelEmail || ch == ChannelBoth) && !st.EmailEnabled {
		return "", invalid("sent_via", "email is disabled")
	}
	return ch, nil
}

// deliver renders a template and hands it to the messenger on every channel
// that has a recipient. Delivery failures are logged, not returned.
func (s *Service) deliver(ctx context.Context, ch Channel, phone, email, key string, vars map[string]string) string {
	body, err := Render(key, vars)
	if err != nil {
		s.log.Error("render message", zap.String("template", key), zap.Error(err))
		return ""
	}
	if s.messenger == nil {
		return body
	}

	send := func(c Channel, to string) {
		if to == "" {
			return
		}
		msg := Message{Channel: c, Recipient: to, TemplateKey: key, Body: body, Variables: vars}
		if err := s.messenger.Send(ctx, msg); err != nil {
			s.log.Warn("send message", zap.String("template", key), zap.String("channel", string(c)), zap.Error(err))
		}
	}
	switch ch {
	case ChannelSMS:
		send(ChannelSMS, phone)
	case ChannelEmail:
		send(ChannelEmail, email)
	case ChannelBoth:
		send(ChannelSMS, phone)
		send(ChannelEmail, email)
	case ChannelStaff:
		send(ChannelStaff, s.staffAddr)
	}
	return body
}
