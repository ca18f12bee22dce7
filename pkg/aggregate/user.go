package aggregate

import (
	"context"
	"time"

	"github.com/canopy-network/dappscope/pkg/errs"
	"github.com/canopy-network/dappscope/pkg/models/analytics"
	"github.com/canopy-network/dappscope/pkg/precision"
	"github.com/canopy-network/dappscope/pkg/store"
)

// UserRankings are the metrics users can be ranked by.
var UserRankings = map[string]Compare[analytics.User]{
	"interactions": func(a, b analytics.User) int { return compareUint(a.TotalInteractions, b.TotalInteractions) },
	"transactions": func(a, b analytics.User) int { return compareUint(a.TotalTransactions, b.TotalTransactions) },
	"sessions":     func(a, b analytics.User) int { return compareUint(a.TotalSessions, b.TotalSessions) },
	"gas":          func(a, b analytics.User) int { return precision.MustCompare(a.TotalGasSpent, b.TotalGasSpent) },
}

// UserService keys users by normalized wallet address.
type UserService struct {
	*Service[analytics.User]
}

func NewUserService(st store.Store, opts Options) *UserService {
	return &UserService{Service: NewService[analytics.User](string(analytics.KindUser), st, opts)}
}

func (s *UserService) key(wallet string) (string, error) {
	return analytics.NormalizeAddress(wallet)
}

// Resolve returns the user for wallet, creating it first seen at at (now when zero).
func (s *UserService) Resolve(ctx context.Context, wallet string, at time.Time) (analytics.User, bool, error) {
	key, err := s.key(wallet)
	if err != nil {
		return analytics.User{}, false, err
	}
	return s.Service.GetOrCreate(ctx, key, func() (analytics.User, error) {
		return analytics.NewUser(key, orNow(at, s.opts.Clock))
	})
}

func (s *UserService) Lookup(ctx context.Context, wallet string) (analytics.User, error) {
	key, err := s.key(wallet)
	if err != nil {
		return analytics.User{}, err
	}
	return s.Service.Get(ctx, key)
}

func (s *UserService) apply(ctx context.Context, wallet, op string, fn func(analytics.User) (analytics.User, error)) (analytics.User, error) {
	key, err := s.key(wallet)
	if err != nil {
		return analytics.User{}, err
	}
	return s.Service.Apply(ctx, key, op, fn)
}

func (s *UserService) RecordSession(ctx context.Context, wallet string, at time.Time) (analytics.User, error) {
	at = orNow(at, s.opts.Clock)
	return s.apply(ctx, wallet, "record_session", func(u analytics.User) (analytics.User, error) {
		return analytics.UserRecordSession(u, at), nil
	})
}

func (s *UserService) RecordInteraction(ctx context.Context, wallet string, at time.Time) (analytics.User, error) {
	at = orNow(at, s.opts.Clock)
	return s.apply(ctx, wallet, "record_interaction", func(u analytics.User) (analytics.User, error) {
		return analytics.UserRecordInteraction(u, at), nil
	})
}

// RecordTransaction rejects a malformed gas amount before taking the lock.
func (s *UserService) RecordTransaction(ctx context.Context, wallet, gas string, at time.Time) (analytics.User, error) {
	if err := analytics.ValidateGas(gas); err != nil {
		return analytics.User{}, err
	}
	at = orNow(at, s.opts.Clock)
	return s.apply(ctx, wallet, "record_transaction", func(u analytics.User) (analytics.User, error) {
		return analytics.UserRecordTransaction(u, gas, at)
	})
}

// AddGas adds gas to the user's total without counting a transaction.
func (s *UserService) AddGas(ctx context.Context, wallet, gas string, at time.Time) (analytics.User, error) {
	if !precision.Valid(gas) {
		return analytics.User{}, errs.InvalidNumericf("user.add_gas", "%q is not a non-negative base-10 integer", gas)
	}
	at = orNow(at, s.opts.Clock)
	return s.apply(ctx, wallet, "add_gas", func(u analytics.User) (analytics.User, error) {
		return analytics.UserAddGas(u, gas, at)
	})
}

func (s *UserService) SetTokenBalance(ctx context.Context, wallet, symbol, amount string) (analytics.User, error) {
	at := s.now()
	return s.apply(ctx, wallet, "set_token_balance", func(u analytics.User) (analytics.User, error) {
		return analytics.UserSetTokenBalance(u, symbol, amount, at)
	})
}

func (s *UserService) AddTags(ctx context.Context, wallet string, tags ...string) (analytics.User, error) {
	return s.apply(ctx, wallet, "add_tags", func(u analytics.User) (analytics.User, error) {
		return analytics.UserAddTags(u, tags...), nil
	})
}

func (s *UserService) MergeMetadata(ctx context.Context, wallet string, patch analytics.Metadata) (analytics.User, error) {
	return s.apply(ctx, wallet, "merge_metadata", func(u analytics.User) (analytics.User, error) {
		return analytics.UserMergeMetadata(u, patch)
	})
}

// TopBy ranks users by one of UserRankings.
func (s *UserService) TopBy(ctx context.Context, metric string, n int) ([]analytics.User, error) {
	cmp, ok := UserRankings[metric]
	if !ok {
		return nil, errs.InvalidPayloadf("user.top", "unknown user metric %q", metric)
	}
	return s.Service.Top(ctx, n, cmp)
}
