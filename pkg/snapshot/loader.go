package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/alitto/pond/v2"

	"github.com/canopy-network/dappscope/pkg/models/analytics"
)

// Lister is the read side of an aggregation service.
type Lister[T any] interface {
	List(ctx context.Context) ([]T, error)
}

// Loader reads the three aggregate collections in parallel.
type Loader struct {
	Users     Lister[analytics.User]
	Sessions  Lister[analytics.Session]
	Contracts Lister[analytics.Contract]

	pool pond.Pool
}

func NewLoader(users Lister[analytics.User], sessions Lister[analytics.Session], contracts Lister[analytics.Contract]) *Loader {
	return &Loader{
		Users:     users,
		Sessions:  sessions,
		Contracts: contracts,
		pool:      pond.NewPool(3),
	}
}

func (l *Loader) Load(ctx context.Context) (Aggregates, error) {
	var (
		out                             Aggregates
		usersErr, sessionsErr, contrErr error
	)

	group := l.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	group.Submit(func() {
		if err := groupCtx.Err(); err != nil {
			usersErr = err
			return
		}
		out.Users, usersErr = l.Users.List(groupCtx)
	})
	group.Submit(func() {
		if err := groupCtx.Err(); err != nil {
			sessionsErr = err
			return
		}
		out.Sessions, sessionsErr = l.Sessions.List(groupCtx)
	})
	group.Submit(func() {
		if err := groupCtx.Err(); err != nil {
			contrErr = err
			return
		}
		out.Contracts, contrErr = l.Contracts.List(groupCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		return Aggregates{}, fmt.Errorf("load aggregates: %w", err)
	}
	if usersErr != nil {
		return Aggregates{}, fmt.Errorf("load users: %w", usersErr)
	}
	if sessionsErr != nil {
		return Aggregates{}, fmt.Errorf("load sessions: %w", sessionsErr)
	}
	if contrErr != nil {
		return Aggregates{}, fmt.Errorf("load contracts: %w", contrErr)
	}
	return out, nil
}

func (l *Loader) Close() {
	l.pool.StopAndWait()
}
