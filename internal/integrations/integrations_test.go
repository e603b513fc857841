package integrations

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/daminiR/medspa-waitlist/internal/clock"
	"github.com/daminiR/medspa-waitlist/internal/waitlist"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestHistoryClient(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		switch r.URL.Path {
		case "/patients/pat-1/history":
			writeJSON(w, http.StatusOK, map[string]any{"visit_count": 7, "total_spend": 2450.5})
		case "/patients/pat-new/history":
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "boom"})
		}
	}))
	defer srv.Close()

	c := NewHistoryClient(srv.URL, zap.NewNop())
	ctx := context.Background()

	h, err := c.GetPatientHistory(ctx, "pat-1")
	require.NoError(t, err)
	assert.Equal(t, 7, h.VisitCount)
	assert.InDelta(t, 2450.5, h.TotalSpend, 0.001)

	h, err = c.GetPatientHistory(ctx, "pat-new")
	require.NoError(t, err)
	assert.Zero(t, h.VisitCount)

	atomic.StoreInt32(&calls, 0)
	_, err = c.GetPatientHistory(ctx, "pat-broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	// One try plus two retries.
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestStaticHistory(t *testing.T) {
	h, err := StaticHistory{}.GetPatientHistory(context.Background(), "anyone")
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestBookingClient(t *testing.T) {
	start := time.Date(2026, 3, 5, 15, 0, 0, 0, time.UTC)
	slot := waitlist.Slot{
		PractitionerID:  "prac-1",
		StartTime:       start,
		EndTime:         start.Add(time.Hour),
		DurationMinutes: 60,
		ServiceName:     "Botox",
	}

	var gotKey string
	var got bookingPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/appointments", r.URL.Path)
		gotKey = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.PatientID == "pat-taken" {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "slot_taken", "message": "slot already booked"})
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": "appt-9", "created_at": start.Add(-72 * time.Hour)})
	}))
	defer srv.Close()

	c := NewBookingClient(srv.URL, zap.NewNop())

	appt, err := c.CreateAppointment(context.Background(), waitlist.BookingRequest{
		IdempotencyKey: "offer-1",
		PatientID:      "pat-1",
		PatientName:    "Ana",
		Slot:           slot,
	})
	require.NoError(t, err)
	assert.Equal(t, "appt-9", appt.ID)
	assert.Equal(t, "offer-1", gotKey)
	assert.Equal(t, "waitlist", got.Source)
	assert.Equal(t, "prac-1", got.PractitionerID)
	assert.True(t, start.Equal(got.StartTime))

	_, err = c.CreateAppointment(context.Background(), waitlist.BookingRequest{
		IdempotencyKey: "offer-2",
		PatientID:      "pat-taken",
		Slot:           slot,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slot already booked")
}

func TestLocalBooker_Idempotent(t *testing.T) {
	b := NewLocalBooker(clock.NewFake(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)), zap.NewNop())
	req := waitlist.BookingRequest{IdempotencyKey: "offer-1", PatientID: "pat-1"}

	first, err := b.CreateAppointment(context.Background(), req)
	require.NoError(t, err)
	again, err := b.CreateAppointment(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, b.Appointments(), 1)
}

func TestWebhookMessenger(t *testing.T) {
	var auth string
	var got messagePayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.To == "bounce" {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "invalid_recipient"})
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	m := NewWebhookMessenger(srv.URL, "secret", zap.NewNop())

	err := m.Send(context.Background(), waitlist.Message{
		Channel:     waitlist.ChannelSMS,
		Recipient:   "+15550101",
		TemplateKey: waitlist.TemplateSlotOffer,
		Body:        "Hi Ana",
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "sms", got.Channel)
	assert.Equal(t, waitlist.TemplateSlotOffer, got.Template)

	err = m.Send(context.Background(), waitlist.Message{Channel: waitlist.ChannelEmail, Recipient: "bounce"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid_recipient")
}

func TestLogMessenger(t *testing.T) {
	assert.NoError(t, NewLogMessenger(zap.NewNop()).Send(context.Background(), waitlist.Message{}))
}
