package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockTarget struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *MockTarget) record(name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
	return 1, m.err
}

func (m *MockTarget) ExpirePendingOffers(ctx context.Context) (int, error) {
	if _, ok := ctx.Deadline(); !ok {
		return 0, errors.New("job context has no deadline")
	}
	return m.record("offers")
}

func (m *MockTarget) ExpireStaleEntries(context.Context) (int, error) { return m.record("entries") }
func (m *MockTarget) SweepLocks(context.Context) (int, error)         { return m.record("locks") }

func TestRunOnce(t *testing.T) {
	target := &MockTarget{}
	s := New(context.Background(), target, zap.NewNop(), time.Second)

	s.RunOnce()

	assert.Equal(t, []string{"offers", "locks", "entries"}, target.calls)
}

func TestJobErrorsDoNotStopLaterJobs(t *testing.T) {
	target := &MockTarget{err: errors.New("db down")}
	s := New(context.Background(), target, zap.NewNop(), time.Second)

	s.OfferJob()

	assert.Equal(t, []string{"offers", "locks"}, target.calls)
}

func TestRegister(t *testing.T) {
	s := New(context.Background(), &MockTarget{}, zap.NewNop(), time.Second)

	require.NoError(t, s.Register("@every 1m", "5 0 * * *"))
	assert.Len(t, s.cron.Entries(), 2)

	err := s.Register("every minute", "5 0 * * *")
	assert.ErrorContains(t, err, "offer sweep")

	err = s.Register("@every 1m", "61 0 * * *")
	assert.ErrorContains(t, err, "entry sweep")
}

func TestStartStop(t *testing.T) {
	s := New(context.Background(), &MockTarget{}, zap.NewNop(), time.Second)
	require.NoError(t, s.Register("@every 1h", "@daily"))

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.NoError(t, ctx.Err())
}
