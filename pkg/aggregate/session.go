package aggregate

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/dappscope/pkg/errs"
	"github.com/canopy-network/dappscope/pkg/models/analytics"
	"github.com/canopy-network/dappscope/pkg/store"
)

var SessionRankings = map[string]Compare[analytics.Session]{
	"page_views":   func(a, b analytics.Session) int { return compareUint(a.PageViews, b.PageViews) },
	"interactions": func(a, b analytics.Session) int { return compareUint(a.Interactions, b.Interactions) },
}

type SessionService struct {
	*Service[analytics.Session]
}

func NewSessionService(st store.Store, opts Options) *SessionService {
	return &SessionService{Service: NewService[analytics.Session](string(analytics.KindSession), st, opts)}
}

func sessionKey(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errs.InvalidPayloadf("session.key", "session id is required")
	}
	return id, nil
}

// Start resolves the session, creating it with in when it does not exist yet. A new
// session already counts its entry page view.
func (s *SessionService) Start(ctx context.Context, id string, in analytics.SessionStart, at time.Time) (analytics.Session, bool, error) {
	key, err := sessionKey(id)
	if err != nil {
		return analytics.Session{}, false, err
	}
	at = orNow(at, s.opts.Clock)
	return s.Service.GetOrCreate(ctx, key, func() (analytics.Session, error) {
		return analytics.NewSession(key, in, at)
	})
}

func (s *SessionService) apply(ctx context.Context, id, op string, fn func(analytics.Session) (analytics.Session, error)) (analytics.Session, error) {
	key, err := sessionKey(id)
	if err != nil {
		return analytics.Session{}, err
	}
	return s.Service.Apply(ctx, key, op, fn)
}

// PageView counts a page view. The event that opened the session already counted its entry
// page, so replaying it here leaves the session unchanged.
func (s *SessionService) PageView(ctx context.Context, id string, at time.Time) (analytics.Session, error) {
	at = orNow(at, s.opts.Clock)
	event := EventID(ctx)
	return s.apply(ctx, id, "page_view", func(cur analytics.Session) (analytics.Session, error) {
		if cur.OpenedBy(event) {
			return cur, nil
		}
		return analytics.SessionRecordPageView(cur, at), nil
	})
}

func (s *SessionService) Interaction(ctx context.Context, id string, at time.Time) (analytics.Session, error) {
	at = orNow(at, s.opts.Clock)
	return s.apply(ctx, id, "interaction", func(cur analytics.Session) (analytics.Session, error) {
		return analytics.SessionRecordInteraction(cur, at), nil
	})
}

// End closes the session. Ending it again keeps the original end time and duration.
func (s *SessionService) End(ctx context.Context, id string, exitPage *string, at time.Time) (analytics.Session, error) {
	at = orNow(at, s.opts.Clock)
	return s.apply(ctx, id, "end", func(cur analytics.Session) (analytics.Session, error) {
		return analytics.EndSession(cur, exitPage, at), nil
	})
}

func (s *SessionService) LinkUser(ctx context.Context, id, wallet string) (analytics.Session, error) {
	return s.apply(ctx, id, "link_user", func(cur analytics.Session) (analytics.Session, error) {
		return analytics.SessionLinkUser(cur, wallet)
	})
}

func (s *SessionService) MergeMetadata(ctx context.Context, id string, patch analytics.Metadata) (analytics.Session, error) {
	return s.apply(ctx, id, "merge_metadata", func(cur analytics.Session) (analytics.Session, error) {
		return analytics.SessionMergeMetadata(cur, patch)
	})
}

// ExpireIdle ends every active session without activity for longer than idle. The session
// is closed at its last activity, not at the time of the sweep.
func (s *SessionService) ExpireIdle(ctx context.Context, idle time.Duration) (int, error) {
	if idle <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-idle)
	all, err := s.Service.List(ctx)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, sess := range all {
		if !sess.IsActive || !sess.LastActivity.Before(cutoff) {
			continue
		}
		_, err := s.Service.Update(ctx, sess.ID, func(cur analytics.Session) (analytics.Session, error) {
			if !cur.IsActive || !cur.LastActivity.Before(cutoff) {
				return cur, nil
			}
			return analytics.EndSession(cur, nil, cur.LastActivity), nil
		})
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		s.logger.Info("Expired idle sessions", zap.Int("count", expired), zap.Duration("idle", idle))
	}
	return expired, nil
}

func (s *SessionService) TopBy(ctx context.Context, metric string, n int) ([]analytics.Session, error) {
	cmp, ok := SessionRankings[metric]
	if !ok {
		return nil, errs.InvalidPayloadf("session.top", "unknown session metric %q", metric)
	}
	return s.Service.Top(ctx, n, cmp)
}
