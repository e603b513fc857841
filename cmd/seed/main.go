package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/daminiR/medspa-waitlist/internal/db"
	"github.com/daminiR/medspa-waitlist/internal/logger"
	"github.com/daminiR/medspa-waitlist/internal/waitlist"
)

type service struct {
	name     string
	category string
	minutes  int
}

var services = []service{
	{"Botox", "injectables", 30},
	{"Dermal Filler", "injectables", 45},
	{"Lip Filler", "injectables", 30},
	{"HydraFacial", "facials", 60},
	{"Chemical Peel", "facials", 45},
	{"Microneedling", "skin", 60},
	{"Laser Hair Removal", "laser", 30},
	{"IPL Photofacial", "laser", 45},
	{"CoolSculpting", "body", 90},
}

var (
	tiers      = []waitlist.Tier{waitlist.TierSilver, waitlist.TierSilver, waitlist.TierGold, waitlist.TierPlatinum}
	priorities = []waitlist.Priority{waitlist.PriorityLow, waitlist.PriorityMedium, waitlist.PriorityMedium, waitlist.PriorityHigh}
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		dsn           string
		entries       int
		practitioners int
		migrate       bool
	)

	root := &cobra.Command{
		Use:   "seed",
		Short: "Fill the waitlist store with fake patients",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return errors.New("--dsn or POSTGRES_DSN is required")
			}
			log, err := logger.New("info", "console", "waitlist-seed")
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx := cmd.Context()
			pool, err := db.ConnectPostgres(ctx, dsn, 4)
			if err != nil {
				return err
			}
			defer pool.Close()

			if migrate {
				if err := db.Migrate(ctx, pool); err != nil {
					return err
				}
				log.Info("schema applied")
			}

			repo := waitlist.NewPgRepository(pool)
			if err := seedEntries(ctx, repo, entries, practitioners, time.Now().UTC()); err != nil {
				return err
			}
			log.Info("seed complete", zap.Int("entries", entries))
			return nil
		},
	}

	root.Flags().StringVar(&dsn, "dsn", os.Getenv("POSTGRES_DSN"), "postgres connection string")
	root.Flags().IntVar(&entries, "entries", 200, "number of waitlist entries to create")
	root.Flags().IntVar(&practitioners, "practitioners", 8, "number of practitioner ids to spread preferences over")
	root.Flags().BoolVar(&migrate, "migrate", false, "apply the schema before seeding")

	root.AddCommand(newMigrateCmd(&dsn))
	return root
}

func newMigrateCmd(dsn *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the waitlist schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if *dsn == "" {
				return errors.New("--dsn or POSTGRES_DSN is required")
			}
			pool, err := db.ConnectPostgres(cmd.Context(), *dsn, 2)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := db.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

func seedEntries(ctx context.Context, repo waitlist.EntryRepository, count, practitioners int, now time.Time) error {
	for i := 0; i < count; i++ {
		e := fakeEntry(now, practitioners)
		if err := repo.CreateEntry(ctx, e); err != nil {
			return fmt.Errorf("create entry %d: %w", i, err)
		}
	}
	return nil
}

func fakeEntry(now time.Time, practitioners int) *waitlist.Entry {
	svc := services[gofakeit.Number(0, len(services)-1)]
	waited := time.Duration(gofakeit.Number(0, 45*24)) * time.Hour
	windowStart := now.Add(time.Duration(gofakeit.Number(0, 3)) * 24 * time.Hour).Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Duration(gofakeit.Number(3, 30)) * 24 * time.Hour)

	e := &waitlist.Entry{
		ID:                     uuid.NewString(),
		PatientID:              uuid.NewString(),
		PatientName:            gofakeit.Name(),
		PatientPhone:           gofakeit.Phone(),
		PatientEmail:           gofakeit.Email(),
		RequestedService:       svc.name,
		ServiceCategory:        svc.category,
		ServiceDurationMinutes: svc.minutes,
		AvailabilityStart:      windowStart,
		AvailabilityEnd:        windowEnd,
		Priority:               priorities[gofakeit.Number(0, len(priorities)-1)],
		Tier:                   tiers[gofakeit.Number(0, len(tiers)-1)],
		Status:                 waitlist.EntryActive,
		WaitingSince:           now.Add(-waited),
		HasCompletedForms:      gofakeit.Bool(),
		UpdatedAt:              now,
	}
	if practitioners > 0 && gofakeit.Number(0, 2) == 0 {
		e.PreferredPractitionerID = fmt.Sprintf("prac-%d", gofakeit.Number(1, practitioners))
	}
	if gofakeit.Number(0, 3) == 0 {
		e.Deposit = float64(gofakeit.Number(2, 10) * 25)
	}
	return e
}
