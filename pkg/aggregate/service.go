// Package aggregate owns the durable per-entity aggregates.
//
// Every mutation of a key runs under that key's lock and is persisted with a single
// compare-and-write, so an update is either fully applied or not applied at all. Different
// keys never contend with each other.
package aggregate

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/dappscope/pkg/errs"
	"github.com/canopy-network/dappscope/pkg/logging"
	"github.com/canopy-network/dappscope/pkg/models/analytics"
	"github.com/canopy-network/dappscope/pkg/retry"
	"github.com/canopy-network/dappscope/pkg/store"
	"github.com/canopy-network/dappscope/pkg/utils"
)

// Options tune every service built on the same store.
type Options struct {
	// Timeout bounds each GetOrCreate/Update call on top of the caller's context. Zero means
	// only the caller's deadline applies.
	Timeout time.Duration
	// Retry governs re-running a read-modify-write that lost a compare-and-write race
	// against another process.
	Retry  retry.Config
	Clock  utils.Clock
	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Retry.MaxRetries == 0 {
		o.Retry = retry.ConflictConfig()
	}
	if o.Clock == nil {
		o.Clock = utils.SystemClock{}
	}
	o.Logger = logging.OrNop(o.Logger)
	return o
}

// Compare orders two entities by a metric: positive when a ranks above b.
type Compare[T any] func(a, b T) int

// Service is the generic get-or-create/update engine behind the typed services.
type Service[T analytics.Entity] struct {
	name   string
	repo   *store.Repo[T]
	locks  *KeyedMutex
	opts   Options
	logger *zap.Logger
}

func NewService[T analytics.Entity](name string, st store.Store, opts Options) *Service[T] {
	opts = opts.withDefaults()
	return &Service[T]{
		name:   name,
		repo:   store.NewRepo[T](st, name+":"),
		locks:  NewKeyedMutex(),
		opts:   opts,
		logger: opts.Logger.With(zap.String("entity", name)),
	}
}

func (s *Service[T]) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.Timeout > 0 {
		return context.WithTimeout(ctx, s.opts.Timeout)
	}
	return context.WithCancel(ctx)
}

func (s *Service[T]) fail(op, key string, err error) error {
	if errs.KindOf(err) != "" {
		return err
	}
	return errs.FromContext(s.name+"."+op, key, err)
}

// GetOrCreate returns the entity stored under key, creating it with create when absent.
// created is true for exactly one caller per key, even across processes sharing the store.
func (s *Service[T]) GetOrCreate(ctx context.Context, key string, create func() (T, error)) (T, bool, error) {
	var zero T
	ctx, cancel := s.bound(ctx)
	defer cancel()

	v, _, err := s.repo.Read(ctx, key)
	if err == nil {
		return v, false, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return zero, false, s.fail("get_or_create", key, err)
	}

	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return zero, false, s.fail("get_or_create", key, err)
	}
	defer unlock()

	// Another local caller may have created it while we waited.
	v, _, err = s.repo.Read(ctx, key)
	if err == nil {
		return v, false, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return zero, false, s.fail("get_or_create", key, err)
	}

	fresh, err := create()
	if err != nil {
		return zero, false, err
	}
	stored, _, err := s.repo.Create(ctx, key, fresh)
	if errors.Is(err, errs.ErrConcurrencyConflict) {
		// Lost to another process.
		v, _, err = s.repo.Read(ctx, key)
		if err != nil {
			return zero, false, s.fail("get_or_create", key, err)
		}
		return v, false, nil
	}
	if err != nil {
		return zero, false, s.fail("get_or_create", key, err)
	}
	s.logger.Debug("Entity created", zap.String("key", key))
	return stored, true, nil
}

type eventIDKey struct{}

// WithEventID tags ctx with the id of the event driving the updates made under it.
func WithEventID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, eventIDKey{}, id)
}

// EventID returns the event id set by WithEventID, or "".
func EventID(ctx context.Context) string {
	id, _ := ctx.Value(eventIDKey{}).(string)
	return id
}

// eventLog is implemented by entities that remember which events were applied to them.
type eventLog[T any] interface {
	HasApplied(mark string) bool
	WithApplied(mark string) T
}

func eventMark(id, op string) string {
	if id == "" || op == "" {
		return id
	}
	return id + "/" + op
}

// Update applies fn to the current entity and persists the result. It never creates:
// an absent key yields errs.NotFound. fn must be pure; it is re-run with fresh state when
// another process wins the compare-and-write.
func (s *Service[T]) Update(ctx context.Context, key string, fn func(T) (T, error)) (T, error) {
	return s.Apply(ctx, key, "", fn)
}

// Apply is Update made idempotent per event. When ctx carries an event id, the entity records
// the id qualified by op in the same write as fn's change, and a later Apply with the same
// mark returns the stored entity without running fn.
func (s *Service[T]) Apply(ctx context.Context, key, op string, fn func(T) (T, error)) (T, error) {
	var zero T
	mark := eventMark(EventID(ctx), op)
	ctx, cancel := s.bound(ctx)
	defer cancel()

	unlock, err := s.locks.Lock(ctx, key)
	if err != nil {
		return zero, s.fail("update", key, err)
	}
	defer unlock()

	var out T
	err = retry.WithBackoffIf(ctx, s.opts.Retry, s.logger, s.name+".update", errs.IsRetryable, func() error {
		cur, ver, err := s.repo.Read(ctx, key)
		if err != nil {
			return err
		}
		seen, marked := any(cur).(eventLog[T])
		marked = marked && mark != ""
		if marked && seen.HasApplied(mark) {
			s.logger.Debug("Event already applied", zap.String("key", key), zap.String("mark", mark))
			out = cur
			return nil
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		if marked {
			next = any(next).(eventLog[T]).WithApplied(mark)
		}
		stored, _, err := s.repo.Replace(ctx, key, ver, next)
		if err != nil {
			return err
		}
		out = stored
		return nil
	})
	if err != nil {
		return zero, s.fail("update", key, err)
	}
	return out, nil
}

// Get returns errs.NotFound when key is absent.
func (s *Service[T]) Get(ctx context.Context, key string) (T, error) {
	v, _, err := s.repo.Read(ctx, key)
	if err != nil {
		var zero T
		return zero, s.fail("get", key, err)
	}
	return v, nil
}

// List returns every entity ordered by key.
func (s *Service[T]) List(ctx context.Context) ([]T, error) {
	out, err := s.repo.List(ctx)
	if err != nil {
		return nil, s.fail("list", "", err)
	}
	return out, nil
}

// Top returns at most n entities ordered by cmp descending, ties by ascending key.
func (s *Service[T]) Top(ctx context.Context, n int, cmp Compare[T]) ([]T, error) {
	if n <= 0 {
		return []T{}, nil
	}
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	return rank(all, n, cmp), nil
}

func rank[T analytics.Entity](all []T, n int, cmp Compare[T]) []T {
	sort.SliceStable(all, func(i, j int) bool {
		if c := cmp(all[i], all[j]); c != 0 {
			return c > 0
		}
		return all[i].EntityKey() < all[j].EntityKey()
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func (s *Service[T]) now() time.Time { return s.opts.Clock.Now() }

func orNow(at time.Time, clock utils.Clock) time.Time {
	if at.IsZero() {
		return clock.Now()
	}
	return at.UTC()
}

func compareUint(a, b uint64) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	}
	return 0
}
