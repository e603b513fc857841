// Package integrations holds the clients for the systems the waitlist engine
// talks to but does not own: patient history, booking and messaging.
package integrations

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/daminiR/medspa-waitlist/internal/waitlist"
)

type historyResponse struct {
	VisitCount  int        `json:"visit_count"`
	TotalSpend  float64    `json:"total_spend"`
	LastVisitAt *time.Time `json:"last_visit_at"`
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e apiError) String() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

// HistoryClient reads patient visit history from the practice management API.
type HistoryClient struct {
	http *resty.Client
	log  *zap.Logger
}

func NewHistoryClient(baseURL string, log *zap.Logger) *HistoryClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		AddRetryCondition(retryOnServerError).
		SetHeader("Accept", "application/json")

	return &HistoryClient{http: client, log: log}
}

// GetPatientHistory returns an empty record for patients the API does not
// know, which ranks them as silver.
func (c *HistoryClient) GetPatientHistory(ctx context.Context, patientID string) (*waitlist.PatientHistoryRecord, error) {
	var body historyResponse
	var apiErr apiError

	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", patientID).
		SetResult(&body).
		SetError(&apiErr).
		Get("/patients/{id}/history")
	if err != nil {
		return nil, fmt.Errorf("patient history request: %w", err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		c.log.Debug("no history for patient", zap.String("patient_id", patientID))
		return &waitlist.PatientHistoryRecord{}, nil
	case resp.IsError():
		return nil, fmt.Errorf("patient history: status %d: %s", resp.StatusCode(), apiErr)
	}

	return &waitlist.PatientHistoryRecord{
		VisitCount:  body.VisitCount,
		TotalSpend:  body.TotalSpend,
		LastVisitAt: body.LastVisitAt,
	}, nil
}

// StaticHistory is used when no history API is configured. Every patient
// ranks as silver.
type StaticHistory struct{}

func (StaticHistory) GetPatientHistory(context.Context, string) (*waitlist.PatientHistoryRecord, error) {
	return nil, nil
}

func retryOnServerError(r *resty.Response, err error) bool {
	return err != nil || r.StatusCode() >= http.StatusInternalServerError
}
