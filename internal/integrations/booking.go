package integrations

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/daminiR/medspa-waitlist/internal/clock"
	"github.com/daminiR/medspa-waitlist/internal/waitlist"
)

type bookingPayload struct {
	PatientID       string    `json:"patient_id"`
	PatientName     string    `json:"patient_name"`
	PatientPhone    string    `json:"patient_phone,omitempty"`
	PatientEmail    string    `json:"patient_email,omitempty"`
	PractitionerID  string    `json:"practitioner_id"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DurationMinutes int       `json:"duration_minutes"`
	ServiceName     string    `json:"service_name"`
	RoomID          string    `json:"room_id,omitempty"`
	Source          string    `json:"source"`
}

type bookingResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// BookingClient creates appointments through the scheduling API. Requests
// carry the offer id as Idempotency-Key, so retries never double book.
type BookingClient struct {
	http *resty.Client
	log  *zap.Logger
}

func NewBookingClient(baseURL string, log *zap.Logger) *BookingClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(retryOnServerError).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &BookingClient{http: client, log: log}
}

func (c *BookingClient) CreateAppointment(ctx context.Context, req waitlist.BookingRequest) (*waitlist.Appointment, error) {
	var body bookingResponse
	var apiErr apiError

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.IdempotencyKey).
		SetBody(bookingPayload{
			PatientID:       req.PatientID,
			PatientName:     req.PatientName,
			PatientPhone:    req.PatientPhone,
			PatientEmail:    req.PatientEmail,
			PractitionerID:  req.Slot.PractitionerID,
			StartTime:       req.Slot.StartTime,
			EndTime:         req.Slot.EndTime,
			DurationMinutes: req.Slot.DurationMinutes,
			ServiceName:     req.Slot.ServiceName,
			RoomID:          req.Slot.RoomID,
			Source:          "waitlist",
		}).
		SetResult(&body).
		SetError(&apiErr).
		Post("/appointments")
	if err != nil {
		return nil, fmt.Errorf("booking request: %w", err)
	}
	if resp.IsError() {
		c.log.Error("booking API rejected appointment",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("error", apiErr.String()),
		)
		return nil, fmt.Errorf("booking: status %d: %s", resp.StatusCode(), apiErr)
	}

	c.log.Info("appointment booked",
		zap.String("appointment_id", body.ID),
		zap.String("idempotency_key", req.IdempotencyKey),
	)
	return &waitlist.Appointment{
		ID:        body.ID,
		PatientID: req.PatientID,
		Slot:      req.Slot,
		CreatedAt: body.CreatedAt,
	}, nil
}

// LocalBooker records appointments in memory. It backs development setups
// with no scheduling API and honours idempotency keys like the real one.
type LocalBooker struct {
	clock clock.Clock
	log   *zap.Logger

	mu    sync.Mutex
	byKey map[string]*waitlist.Appointment
}

func NewLocalBooker(c clock.Clock, log *zap.Logger) *LocalBooker {
	return &LocalBooker{clock: c, log: log, byKey: make(map[string]*waitlist.Appointment)}
}

func (b *LocalBooker) CreateAppointment(_ context.Context, req waitlist.BookingRequest) (*waitlist.Appointment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if a, ok := b.byKey[req.IdempotencyKey]; ok {
		return a, nil
	}
	a := &waitlist.Appointment{
		ID:        uuid.NewString(),
		PatientID: req.PatientID,
		Slot:      req.Slot,
		CreatedAt: b.clock.Now(),
	}
	b.byKey[req.IdempotencyKey] = a

	b.log.Info("appointment recorded locally",
		zap.String("appointment_id", a.ID),
		zap.String("practitioner_id", req.Slot.PractitionerID),
		zap.Time("start_time", req.Slot.StartTime),
	)
	return a, nil
}

// Appointments returns every appointment recorded so far.
func (b *LocalBooker) Appointments() []waitlist.Appointment {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]waitlist.Appointment, 0, len(b.byKey))
	for _, a := range b.byKey {
		out = append(out, *a)
	}
	return out
}
