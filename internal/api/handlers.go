package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/daminiR/medspa-waitlist/internal/report"
	"github.com/daminiR/medspa-waitlist/internal/waitlist"
)

type handlers struct {
	svc WaitlistService
	log *zap.Logger
	loc *time.Location
}

func (h *handlers) createEntry(w http.ResponseWriter, r *http.Request) {
	var req CreateEntryRequest
	if !decode(w, r, &req) {
		return
	}

	e, err := h.svc.AddToWaitlist(r.Context(), req.toNewEntry())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newEntryResponse(e))
}

func (h *handlers) getEntry(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.GetEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEntryResponse(e))
}

func (h *handlers) listEntries(w http.ResponseWriter, r *http.Request) {
	f, err := parseEntryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}

	page, err := h.svc.ListEntries(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := EntryListResponse{
		Entries: make([]EntryResponse, 0, len(page.Entries)),
		Total:   page.Total,
		Page:    page.Page,
		Limit:   page.Limit,
	}
	for i := range page.Entries {
		resp.Entries = append(resp.Entries, newEntryResponse(&page.Entries[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseEntryFilter(r *http.Request) (waitlist.EntryFilter, error) {
	q := r.URL.Query()
	f := waitlist.EntryFilter{
		Priority:       waitlist.Priority(strings.ToLower(q.Get("priority"))),
		Tier:           waitlist.Tier(strings.ToLower(q.Get("tier"))),
		Service:        q.Get("service"),
		PractitionerID: q.Get("practitioner"),
		Search:         q.Get("search"),
		SortBy:         waitlist.SortField(q.Get("sort_by")),
	}

	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, waitlist.EntryStatus(strings.ToLower(strings.TrimSpace(s))))
		}
	}

	switch strings.ToLower(q.Get("sort_order")) {
	case "", "asc":
	case "desc":
		f.Descending = true
	default:
		return f, errors.New("sort_order must be asc or desc")
	}

	var err error
	if f.Page, err = queryInt(q.Get("page")); err != nil {
		return f, fmt.Errorf("page: %w", err)
	}
	if f.Limit, err = queryInt(q.Get("limit")); err != nil {
		return f, fmt.Errorf("limit: %w", err)
	}
	return f, nil
}

func queryInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}

func (h *handlers) updateEntry(w http.ResponseWriter, r *http.Request) {
	var req UpdateEntryRequest
	if !decode(w, r, &req) {
		return
	}

	e, err := h.svc.UpdateEntry(r.Context(), chi.URLParam(r, "id"), req.toPatch())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newEntryResponse(e))
}

func (h *handlers) removeEntry(w http.ResponseWriter, r *http.Request) {
	var req RemoveEntryRequest
	if r.ContentLength > 0 && !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = r.URL.Query().Get("reason")
	}

	if err := h.svc.RemoveFromWaitlist(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) sendOffer(w http.ResponseWriter, r *http.Request) {
	var req SendOfferRequest
	if !decode(w, r, &req) {
		return
	}
	slot, err := req.Slot.toSlot(h.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_slot", err.Error())
		return
	}

	res, err := h.svc.SendOffer(r.Context(), chi.URLParam(r, "id"), slot, req.options())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.sendOfferResponse(res))
}

func (h *handlers) autoFill(w http.ResponseWriter, r *http.Request) {
	var req SendOfferRequest
	if !decode(w, r, &req) {
		return
	}
	slot, err := req.Slot.toSlot(h.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_slot", err.Error())
		return
	}

	res, err := h.svc.FillOpenSlot(r.Context(), slot, req.options())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.sendOfferResponse(res))
}

func (h *handlers) sendOfferResponse(res *waitlist.SendOfferResult) SendOfferResponse {
	return SendOfferResponse{
		Offer:        newOfferResponse(res.Offer, h.loc),
		ShareableURL: res.ShareableURL,
		Message:      res.RenderedMessage,
	}
}

func (h *handlers) matchSlot(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if !decode(w, r, &req) {
		return
	}
	slot, err := req.Slot.toSlot(h.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_slot", err.Error())
		return
	}

	matches, err := h.svc.MatchSlot(r.Context(), slot, req.Limit, req.IncludeIneligible)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := make([]MatchResponse, 0, len(matches))
	for i := range matches {
		m := &matches[i]
		resp = append(resp, MatchResponse{
			Entry:                newEntryResponse(&m.Entry),
			Eligible:             m.Eligible,
			Score:                m.Score,
			Reasons:              m.Reasons,
			IneligibilityReasons: m.IneligibilityReasons,
			Breakdown:            m.Breakdown,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// getOffer is the patient's link. Expired and answered offers still render
// their explanation, with 410 and 409 respectively.
func (h *handlers) getOffer(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.GetOfferByToken(r.Context(), chi.URLParam(r, "token"))
	switch {
	case v != nil && errors.Is(err, waitlist.ErrExpired):
		writeJSON(w, http.StatusGone, newPublicOfferResponse(v, h.loc))
	case v != nil && errors.Is(err, waitlist.ErrAlreadyResponded):
		writeJSON(w, http.StatusConflict, newPublicOfferResponse(v, h.loc))
	case err != nil:
		h.fail(w, r, err)
	default:
		writeJSON(w, http.StatusOK, newPublicOfferResponse(v, h.loc))
	}
}

func (h *handlers) respond(w http.ResponseWriter, r *http.Request) {
	var req RespondRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.svc.RespondToOffer(r.Context(), chi.URLParam(r, "token"),
		waitlist.Action(strings.ToLower(req.Action)), req.DeclineReason)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, h.respondResponse(res))
}

// respondForEntry records an answer taken by staff. The body is optional and
// only carries a decline reason.
func (h *handlers) respondForEntry(action waitlist.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StaffRespondRequest
		if r.ContentLength != 0 && !decode(w, r, &req) {
			return
		}

		res, err := h.svc.RespondForEntry(r.Context(), chi.URLParam(r, "id"), action, req.DeclineReason)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, h.respondResponse(res))
	}
}

func (h *handlers) respondResponse(res *waitlist.RespondResult) RespondResponse {
	resp := RespondResponse{
		Status: string(res.Offer.Status),
		Slot:   newSlotResponse(res.Offer.Slot, h.loc),
	}
	if res.Appointment != nil {
		resp.AppointmentID = res.Appointment.ID
		resp.Message = "Your appointment is booked."
	} else {
		resp.Message = "Thanks for letting us know. You are still on the waitlist."
	}
	if res.NextOffer != nil {
		resp.NextOfferID = res.NextOffer.ID
	}
	return resp
}

func (h *handlers) statistics(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.GetStatistics(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatisticsResponse(st))
}

func (h *handlers) export(w http.ResponseWriter, r *http.Request) {
	f, err := parseEntryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}

	var entries []waitlist.Entry
	f.Limit = 100
	for f.Page = 1; ; f.Page++ {
		page, err := h.svc.ListEntries(r.Context(), f)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		entries = append(entries, page.Entries...)
		if len(page.Entries) == 0 || len(entries) >= page.Total {
			break
		}
	}

	st, err := h.svc.GetStatistics(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	data, err := report.WaitlistWorkbook(entries, st, h.loc)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="waitlist.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *handlers) getSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newSettingsResponse(h.svc.Settings()))
}

func (h *handlers) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req UpdateSettingsRequest
	if !decode(w, r, &req) {
		return
	}

	next, err := h.svc.UpdateSettings(r.Context(), req.apply(h.svc.Settings()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSettingsResponse(next))
}

// fail maps engine errors onto status codes.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	var ve *waitlist.ValidationError
	var se *waitlist.StateError

	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_error", Details: ve.Reason, Field: ve.Field})
	case errors.Is(err, waitlist.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, waitlist.ErrExpired):
		writeError(w, http.StatusGone, "offer_expired", err.Error())
	case errors.Is(err, waitlist.ErrConflict):
		writeError(w, http.StatusConflict, "slot_locked", "slot is held by another offer")
	case errors.Is(err, waitlist.ErrInvalidState):
		resp := ErrorResponse{Error: "invalid_state", Details: err.Error()}
		if errors.Is(err, waitlist.ErrAlreadyResponded) {
			resp.Error = "already_responded"
		}
		if errors.As(err, &se) {
			resp.CurrentStatus = se.Current
		}
		writeJSON(w, http.StatusConflict, resp)
	default:
		h.log.Error("request failed",
			zap.String("route", routePattern(r)),
			zap.String("request_id", GetRequestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
