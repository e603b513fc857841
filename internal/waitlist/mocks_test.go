package waitlist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daminiR/medspa-waitlist/internal/clock"
	"github.com/daminiR/medspa-waitlist/internal/config"
	"github.com/daminiR/medspa-waitlist/internal/slotlock"
)

type MockHistory struct {
	GetPatientHistoryFunc func(ctx context.Context, patientID string) (*PatientHistoryRecord, error)
}

func (m *MockHistory) GetPatientHistory(ctx context.Context, patientID string) (*PatientHistoryRecord, error) {
	return m.GetPatientHistoryFunc(ctx, patientID)
}

// MockBooker records bookings and honours idempotency keys the way a real
// booking API would.
type MockBooker struct {
	CreateAppointmentFunc func(ctx context.Context, req BookingRequest) (*Appointment, error)
	// OnCreate runs at the start of every booking, before the mock's lock is
	// taken, so it may call back into the service.
	OnCreate func(ctx context.Context, req BookingRequest)

	mu       sync.Mutex
	calls    int
	byKey    map[string]*Appointment
	Requests []BookingRequest
}

func (m *MockBooker) CreateAppointment(ctx context.Context, req BookingRequest) (*Appointment, error) {
	if m.OnCreate != nil {
		m.OnCreate(ctx, req)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.Requests = append(m.Requests, req)
	if m.CreateAppointmentFunc != nil {
		return m.CreateAppointmentFunc(ctx, req)
	}
	if m.byKey == nil {
		m.byKey = make(map[string]*Appointment)
	}
	if a, ok := m.byKey[req.IdempotencyKey]; ok {
		return a, nil
	}
	a := &Appointment{ID: uuid.NewString(), PatientID: req.PatientID, Slot: req.Slot}
	m.byKey[req.IdempotencyKey] = a
	return a, nil
}

func (m *MockBooker) Appointments() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

type MockMessenger struct {
	SendFunc func(ctx context.Context, msg Message) error

	mu   sync.Mutex
	Sent []Message
}

func (m *MockMessenger) Send(ctx context.Context, msg Message) error {
	m.mu.Lock()
	m.Sent = append(m.Sent, msg)
	m.mu.Unlock()
	if m.SendFunc != nil {
		return m.SendFunc(ctx, msg)
	}
	return nil
}

func (m *MockMessenger) ByTemplate(key string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.Sent {
		if msg.TemplateKey == key {
			out = append(out, msg)
		}
	}
	return out
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	svc       *Service
	repo      *MemoryRepository
	locker    *slotlock.MemoryLocker
	clock     *clock.Fake
	booker    *MockBooker
	messenger *MockMessenger
}

func testConfig() config.Config {
	return config.Config{
		BaseURL:            "https://spa.example.com",
		ClinicTimezone:     "UTC",
		StaffNotifyAddress: "front-desk",
		Waitlist:           config.DefaultSettings(),
	}
}

func newHarness(t *testing.T, tweak ...func(*config.Settings)) *harness {
	t.Helper()

	cfg := testConfig()
	for _, f := range tweak {
		f(&cfg.Waitlist)
	}
	require.NoError(t, cfg.Waitlist.Validate())

	h := &harness{
		repo:      NewMemoryRepository(),
		clock:     clock.NewFake(t0),
		booker:    &MockBooker{},
		messenger: &MockMessenger{},
	}
	h.locker = slotlock.NewMemoryLocker(h.clock)
	h.svc = NewService(h.repo, h.locker, Collaborators{
		Booker:    h.booker,
		Messenger: h.messenger,
		Clock:     h.clock,
	}, cfg, zap.NewNop())
	return h
}

// testSlot is a 60 minute Botox slot three days out.
func testSlot() Slot {
	start := t0.Add(72 * time.Hour)
	return Slot{
		PractitionerID:   "prac-1",
		PractitionerName: "Dr. Rivera",
		StartTime:        start,
		EndTime:          start.Add(60 * time.Minute),
		DurationMinutes:  60,
		ServiceName:      "Botox",
		ServiceCategory:  "injectables",
	}
}

// addEntry stores an active entry directly so tier and waitingSince can be
// fixed by the test.
func (h *harness) addEntry(t *testing.T, name string, tier Tier, prio Priority, waitingDays int) *Entry {
	t.Helper()
	e := &Entry{
		ID:                     uuid.NewString(),
		PatientID:              "pat-" + name,
		PatientName:            name + " Patient",
		PatientPhone:           "+1555000" + name,
		PatientEmail:           name + "@example.com",
		RequestedService:       "Botox",
		ServiceCategory:        "injectables",
		ServiceDurationMinutes: 60,
		AvailabilityStart:      t0,
		AvailabilityEnd:        t0.Add(30 * 24 * time.Hour),
		Priority:               prio,
		Tier:                   tier,
		Status:                 EntryActive,
		WaitingSince:           t0.Add(-time.Duration(waitingDays) * 24 * time.Hour),
	}
	require.NoError(t, h.svc.entries.Add(context.Background(), e))
	return e
}

func (h *harness) entry(t *testing.T, id string) *Entry {
	t.Helper()
	e, err := h.repo.GetEntry(context.Background(), id)
	require.NoError(t, err)
	return e
}

func (h *harness) offer(t *testing.T, id string) *Offer {
	t.Helper()
	o, err := h.repo.GetOffer(context.Background(), id)
	require.NoError(t, err)
	return o
}

func (h *harness) lockHolder(t *testing.T, slot Slot) string {
	t.Helper()
	l, err := h.locker.Get(context.Background(), slot.Key())
	require.NoError(t, err)
	if l == nil {
		return ""
	}
	return l.OfferID
}

func (h *harness) eventCount(eventType string) int {
	n := 0
	for _, ev := range h.repo.Events() {
		if ev.EventType == eventType {
			n++
		}
	}
	return n
}
