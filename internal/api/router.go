package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/daminiR/medspa-waitlist/internal/config"
	"github.com/daminiR/medspa-waitlist/internal/waitlist"
)

// WaitlistService is the engine surface the handlers call.
type WaitlistService interface {
	AddToWaitlist(ctx context.Context, in waitlist.NewEntry) (*waitlist.Entry, error)
	GetEntry(ctx context.Context, id string) (*waitlist.Entry, error)
	ListEntries(ctx context.Context, f waitlist.EntryFilter) (*waitlist.EntryPage, error)
	UpdateEntry(ctx context.Context, id string, patch waitlist.EntryPatch) (*waitlist.Entry, error)
	RemoveFromWaitlist(ctx context.Context, id, reason string) error

	SendOffer(ctx context.Context, entryID string, slot waitlist.Slot, opts waitlist.SendOfferOptions) (*waitlist.SendOfferResult, error)
	FillOpenSlot(ctx context.Context, slot waitlist.Slot, opts waitlist.SendOfferOptions) (*waitlist.SendOfferResult, error)
	MatchSlot(ctx context.Context, slot waitlist.Slot, limit int, includeIneligible bool) ([]waitlist.Match, error)
	GetOfferByToken(ctx context.Context, token string) (*waitlist.OfferView, error)
	RespondToOffer(ctx context.Context, token string, action waitlist.Action, declineReason string) (*waitlist.RespondResult, error)
	RespondForEntry(ctx context.Context, entryID string, action waitlist.Action, declineReason string) (*waitlist.RespondResult, error)

	GetStatistics(ctx context.Context) (*waitlist.Statistics, error)
	Settings() config.Settings
	UpdateSettings(ctx context.Context, next config.Settings) (config.Settings, error)
}

type RouterConfig struct {
	Service  WaitlistService
	Logger   *zap.Logger
	Location *time.Location

	// Checks back the readiness probe. Empty means always ready.
	Checks  []DependencyCheck
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	h := &handlers{svc: cfg.Service, log: log, loc: loc}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log))
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.Checks, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Route("/waitlist", func(r chi.Router) {
		r.Post("/", h.createEntry)
		r.Get("/", h.listEntries)
		r.Get("/statistics", h.statistics)
		r.Get("/export.xlsx", h.export)
		r.Get("/settings", h.getSettings)
		r.Put("/settings", h.updateSettings)
		r.Post("/match", h.matchSlot)
		r.Post("/auto-fill", h.autoFill)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getEntry)
			r.Put("/", h.updateEntry)
			r.Delete("/", h.removeEntry)
			r.Post("/offer", h.sendOffer)
			r.Post("/offer/accept", h.respondForEntry(waitlist.Accept))
			r.Post("/offer/decline", h.respondForEntry(waitlist.Decline))
		})
	})

	r.Get("/offer/{token}", h.getOffer)
	r.Post("/offer/{token}/respond", h.respond)

	return r
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
