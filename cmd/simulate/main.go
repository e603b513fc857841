package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

type SimConfig struct {
	APIBaseURL    string
	Duration      time.Duration
	Workers       int
	CreateRatio   float64
	FillRatio     float64
	RespondRatio  float64
	AcceptRatio   float64
	Practitioners int
	Services      []string
}

type offerRef struct {
	token string
	level int
}

// TokenPool holds offer tokens handed out by auto-fill that nobody has
// answered yet. Workers race for them on purpose.
type TokenPool struct {
	mu     sync.Mutex
	tokens []offerRef
}

func (tp *TokenPool) Add(ref offerRef) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.tokens = append(tp.tokens, ref)
}

// Pick returns a random token without removing it, so the same offer can be
// answered by several workers at once.
func (tp *TokenPool) Pick(rng *rand.Rand) (offerRef, bool) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if len(tp.tokens) == 0 {
		return offerRef{}, false
	}
	return tp.tokens[rng.Intn(len(tp.tokens))], true
}

func (tp *TokenPool) Drop(token string) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for i, ref := range tp.tokens {
		if ref.token == token {
			tp.tokens = append(tp.tokens[:i], tp.tokens[i+1:]...)
			return
		}
	}
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	CreateEntry OperationMetrics
	AutoFill    OperationMetrics
	Accept      OperationMetrics
	Decline     OperationMetrics
	ViewOffer   OperationMetrics

	// Bookings counts accepted offers, the figure that must never exceed
	// the number of distinct slots offered.
	Bookings     int64
	MaxCascade   int64
	EmptyFills   int64
	SlotsOffered int64
}

type Simulator struct {
	config  SimConfig
	tokens  *TokenPool
	client  *resty.Client
	metrics Metrics
	slotSeq int64
}

type apiError struct {
	Error         string `json:"error"`
	CurrentStatus string `json:"current_status"`
}

type offerResponse struct {
	Offer struct {
		Token        string `json:"token"`
		CascadeLevel int    `json:"cascade_level"`
	} `json:"offer"`
}

type respondResponse struct {
	Status        string `json:"status"`
	AppointmentID string `json:"appointment_id"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d create=%.2f fill=%.2f respond=%.2f accept=%.2f",
		cfg.Duration, cfg.Workers, cfg.CreateRatio, cfg.FillRatio, cfg.RespondRatio, cfg.AcceptRatio)

	sim := &Simulator{
		config: cfg,
		tokens: &TokenPool{},
		client: resty.New().
			SetBaseURL(strings.TrimRight(cfg.APIBaseURL, "/")).
			SetTimeout(10 * time.Second).
			SetHeader("Content-Type", "application/json"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := sim.warmUp(ctx, cfg.Workers*4); err != nil {
		cancel()
		log.Fatalf("warm up: %v", err)
	}
	cancel()

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:    getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:      getDuration("SIM_DURATION", 30*time.Second),
		Workers:       getInt("SIM_WORKERS", 10),
		CreateRatio:   getFloat("SIM_CREATE_RATIO", 0.2),
		FillRatio:     getFloat("SIM_FILL_RATIO", 0.3),
		RespondRatio:  getFloat("SIM_RESPOND_RATIO", 0.5),
		AcceptRatio:   getFloat("SIM_ACCEPT_RATIO", 0.4),
		Practitioners: getInt("SIM_PRACTITIONERS", 3),
		Services:      strings.Split(getEnv("SIM_SERVICES", "Botox,HydraFacial,Lip Filler"), ","),
	}

	total := cfg.CreateRatio + cfg.FillRatio + cfg.RespondRatio
	if total > 0 {
		cfg.CreateRatio /= total
		cfg.FillRatio /= total
		cfg.RespondRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return errors.New("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return errors.New("SIM_DURATION must be > 0")
	}
	if cfg.Practitioners <= 0 {
		return errors.New("SIM_PRACTITIONERS must be > 0")
	}
	if cfg.AcceptRatio < 0 || cfg.AcceptRatio > 1 {
		return errors.New("SIM_ACCEPT_RATIO must be within [0, 1]")
	}
	return nil
}

func (s *Simulator) warmUp(ctx context.Context, n int) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < n; i++ {
		if err := s.createEntry(ctx, rng); err != nil {
			return err
		}
	}
	log.Printf("created %d waitlist entries", n)
	return nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r := rng.Float64()
		switch {
		case r < s.config.CreateRatio:
			_ = s.createEntry(ctx, rng)
		case r < s.config.CreateRatio+s.config.FillRatio:
			s.doAutoFill(ctx, rng)
		default:
			s.doRespond(ctx, rng)
		}
	}
}

func (s *Simulator) createEntry(ctx context.Context, rng *rand.Rand) error {
	now := time.Now().UTC()
	body := map[string]any{
		"patient_id":               uuid.NewString(),
		"patient_name":             gofakeit.Name(),
		"patient_phone":            gofakeit.Phone(),
		"patient_email":            gofakeit.Email(),
		"requested_service":        s.config.Services[rng.Intn(len(s.config.Services))],
		"service_duration_minutes": 60,
		"availability_start":       now,
		"availability_end":         now.Add(30 * 24 * time.Hour),
		"priority":                 []string{"low", "medium", "high"}[rng.Intn(3)],
		"has_completed_forms":      rng.Intn(2) == 0,
	}

	start := time.Now()
	resp, err := s.client.R().SetContext(ctx).SetBody(body).Post("/waitlist")
	latency := time.Since(start)
	if err != nil {
		s.metrics.CreateEntry.Record(latency, false, false)
		return err
	}
	ok := resp.StatusCode() == http.StatusCreated
	s.metrics.CreateEntry.Record(latency, ok, false)
	if !ok {
		return fmt.Errorf("create entry: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// nextSlot hands out a fresh slot most of the time and reuses a recent one
// otherwise, so some auto-fill calls collide on a locked slot.
func (s *Simulator) nextSlot(rng *rand.Rand) map[string]any {
	seq := atomic.AddInt64(&s.slotSeq, 1)
	if seq > 1 && rng.Intn(4) == 0 {
		seq--
	}
	prac := int(seq)%s.config.Practitioners + 1
	hour := 9 + int(seq/int64(s.config.Practitioners))%8
	day := time.Now().UTC().AddDate(0, 0, 1+int(seq/int64(s.config.Practitioners*8))%25)

	return map[string]any{
		"practitioner_id":   fmt.Sprintf("prac-%d", prac),
		"practitioner_name": fmt.Sprintf("Practitioner %d", prac),
		"date":              day.Format("2006-01-02"),
		"start_time":        fmt.Sprintf("%02d:00", hour),
		"end_time":          fmt.Sprintf("%02d:00", hour+1),
		"duration_minutes":  60,
		"service_name":      s.config.Services[int(seq)%len(s.config.Services)],
	}
}

func (s *Simulator) doAutoFill(ctx context.Context, rng *rand.Rand) {
	var out offerResponse
	start := time.Now()
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"slot": s.nextSlot(rng), "sent_via": "sms"}).
		SetResult(&out).
		SetError(&apiError{}).
		Post("/waitlist/auto-fill")
	latency := time.Since(start)

	if err != nil {
		s.metrics.AutoFill.Record(latency, false, false)
		return
	}
	switch resp.StatusCode() {
	case http.StatusCreated:
		s.metrics.AutoFill.Record(latency, true, false)
		atomic.AddInt64(&s.metrics.SlotsOffered, 1)
		s.tokens.Add(offerRef{token: out.Offer.Token, level: out.Offer.CascadeLevel})
	case http.StatusConflict:
		s.metrics.AutoFill.Record(latency, false, true)
	case http.StatusNotFound, http.StatusUnprocessableEntity:
		// Nobody left on the list for this slot.
		atomic.AddInt64(&s.metrics.EmptyFills, 1)
		s.metrics.AutoFill.Record(latency, true, false)
	default:
		s.metrics.AutoFill.Record(latency, false, false)
	}
}

func (s *Simulator) doRespond(ctx context.Context, rng *rand.Rand) {
	ref, ok := s.tokens.Pick(rng)
	if !ok {
		return
	}

	start := time.Now()
	view, err := s.client.R().SetContext(ctx).Get("/offer/" + ref.token)
	s.metrics.ViewOffer.Record(time.Since(start), err == nil && view.StatusCode() < 500, false)

	action, metrics := "decline", &s.metrics.Decline
	if rng.Float64() < s.config.AcceptRatio {
		action, metrics = "accept", &s.metrics.Accept
	}

	var out respondResponse
	start = time.Now()
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"action": action, "decline_reason": "simulated"}).
		SetResult(&out).
		SetError(&apiError{}).
		Post("/offer/" + ref.token + "/respond")
	latency := time.Since(start)

	if err != nil {
		metrics.Record(latency, false, false)
		return
	}

	switch resp.StatusCode() {
	case http.StatusOK:
		metrics.Record(latency, true, false)
		s.tokens.Drop(ref.token)
		if action == "accept" {
			atomic.AddInt64(&s.metrics.Bookings, 1)
			return
		}
		s.trackCascade(ref)
	case http.StatusConflict, http.StatusGone:
		// Someone else answered first, or the offer ran out.
		metrics.Record(latency, false, true)
		s.tokens.Drop(ref.token)
	default:
		metrics.Record(latency, false, false)
	}
}

// trackCascade has no token for the follow-up offer, since those go out to
// the next patient by message. It only records how deep chains get.
func (s *Simulator) trackCascade(ref offerRef) {
	level := int64(ref.level + 1)
	for {
		cur := atomic.LoadInt64(&s.metrics.MaxCascade)
		if level <= cur || atomic.CompareAndSwapInt64(&s.metrics.MaxCascade, cur, level) {
			return
		}
	}
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Create entry", &s.metrics.CreateEntry)
	printOperationReport("Auto-fill", &s.metrics.AutoFill)
	printOperationReport("View offer", &s.metrics.ViewOffer)
	printOperationReport("Accept", &s.metrics.Accept)
	printOperationReport("Decline", &s.metrics.Decline)

	offered := atomic.LoadInt64(&s.metrics.SlotsOffered)
	bookings := atomic.LoadInt64(&s.metrics.Bookings)
	fmt.Printf("Chains started: %d\n", offered)
	fmt.Printf("Empty fills: %d\n", atomic.LoadInt64(&s.metrics.EmptyFills))
	fmt.Printf("Bookings: %d\n", bookings)
	fmt.Printf("Deepest cascade seen: %d\n", atomic.LoadInt64(&s.metrics.MaxCascade))
	if bookings > offered {
		fmt.Println("WARNING: more bookings than chains started, a slot was double booked")
	}
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
