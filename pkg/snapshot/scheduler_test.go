package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/canopy-network/dappscope/pkg/models/analytics"
	"github.com/canopy-network/dappscope/pkg/utils"
)

type staticLister[T any] struct {
	items []T
	err   error
}

func (s staticLister[T]) List(ctx context.Context) ([]T, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.items, ctx.Err()
}

func loaderFor(in Aggregates) *Loader {
	return NewLoader(
		staticLister[analytics.User]{items: in.Users},
		staticLister[analytics.Session]{items: in.Sessions},
		staticLister[analytics.Contract]{items: in.Contracts},
	)
}

func TestLoader_LoadsAllCollections(t *testing.T) {
	in := fixture(t)
	l := loaderFor(in)
	defer l.Close()

	got, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestLoader_PropagatesErrors(t *testing.T) {
	boom := errors.New("redis down")
	l := NewLoader(
		staticLister[analytics.User]{},
		staticLister[analytics.Session]{err: boom},
		staticLister[analytics.Contract]{},
	)
	defer l.Close()

	_, err := l.Load(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestScheduler_RunOnceIsIdempotent(t *testing.T) {
	in := fixture(t)
	st := NewMemoryStore()
	clock := utils.NewManualClock(day.Add(24*time.Hour + 5*time.Minute))
	s := NewScheduler(loaderFor(in), Builder{TopN: 3}, st, clock, zaptest.NewLogger(t))
	defer s.Loader.Close()
	ctx := context.Background()

	first, err := s.RunOnce(ctx, day)
	require.NoError(t, err)
	second, err := s.RunOnce(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stored, err := st.Get(ctx, "2025-06-01")
	require.NoError(t, err)
	assert.Equal(t, first, stored)
	assert.Equal(t, uint64(2), stored.NewUsers)
	assert.Equal(t, uint64(5), stored.TotalSessions)
}

func TestScheduler_Setup(t *testing.T) {
	s := NewScheduler(loaderFor(Aggregates{}), Builder{}, NewMemoryStore(), nil, nil)
	defer s.Loader.Close()
	require.NoError(t, s.Setup(context.Background()))
	assert.Len(t, s.Cron.Entries(), 1)
	s.Start()
	s.Stop()

	s.CronSpec = "every day"
	assert.Error(t, s.Setup(context.Background()))
}
