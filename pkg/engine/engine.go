// Package engine applies domain events to the durable aggregates and the live window, and
// answers the queries made against them.
package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/canopy-network/dappscope/pkg/aggregate"
	"github.com/canopy-network/dappscope/pkg/errs"
	"github.com/canopy-network/dappscope/pkg/events"
	"github.com/canopy-network/dappscope/pkg/logging"
	"github.com/canopy-network/dappscope/pkg/metrics"
	"github.com/canopy-network/dappscope/pkg/models/analytics"
	"github.com/canopy-network/dappscope/pkg/realtime"
	"github.com/canopy-network/dappscope/pkg/snapshot"
)

type Outcome string

const (
	Applied   Outcome = "applied"
	Duplicate Outcome = "duplicate"
	Invalid   Outcome = "invalid"
	Failed    Outcome = "failed"
)

type Config struct {
	// AutoCreateSessions starts a session on the first page view or interaction that
	// references an unknown session id instead of rejecting the event with NotFound.
	AutoCreateSessions bool
}

// Engine is safe for concurrent use. Events for the same entity are serialized by the
// services; everything else runs in parallel.
type Engine struct {
	Users     *aggregate.UserService
	Sessions  *aggregate.SessionService
	Contracts *aggregate.ContractService
	Tracker   *realtime.Tracker
	Snapshots snapshot.Store
	// Dedupe is optional. Without it every delivery reaches the live window, while the
	// aggregates still skip event ids among their recent marks.
	Dedupe *aggregate.Deduper

	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, users *aggregate.UserService, sessions *aggregate.SessionService, contracts *aggregate.ContractService,
	tracker *realtime.Tracker, snaps snapshot.Store, dedupe *aggregate.Deduper, logger *zap.Logger) *Engine {
	return &Engine{
		Users:     users,
		Sessions:  sessions,
		Contracts: contracts,
		Tracker:   tracker,
		Snapshots: snaps,
		Dedupe:    dedupe,
		cfg:       cfg,
		logger:    logging.OrNop(logger),
	}
}

// Ingest validates ev and applies it to every aggregate it touches, then feeds it to the
// live window. A repeated event id seen within the dedupe window is skipped with
// Duplicate and a nil error.
func (e *Engine) Ingest(ctx context.Context, ev events.Event) (Outcome, error) {
	start := time.Now()
	outcome, err := e.ingest(ctx, ev)
	metrics.RecordEvent(string(ev.Kind), string(outcome), time.Since(start))
	if err != nil {
		e.logger.Debug("Event not applied",
			zap.String("id", ev.ID),
			zap.String("kind", string(ev.Kind)),
			zap.String("outcome", string(outcome)),
			zap.Error(err))
	}
	return outcome, err
}

func (e *Engine) ingest(ctx context.Context, ev events.Event) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return Invalid, err
	}
	if e.Dedupe != nil {
		if !e.Dedupe.Claim(ev.ID) {
			return Duplicate, nil
		}
	}

	if err := e.route(aggregate.WithEventID(ctx, ev.ID), ev); err != nil {
		// Every step is idempotent per event id, so a redelivery resumes where this one failed.
		if e.Dedupe != nil {
			e.Dedupe.Release(ev.ID)
		}
		switch errs.KindOf(err) {
		case errs.InvalidPayload, errs.InvalidNumeric:
			return Invalid, err
		}
		return Failed, err
	}

	if e.Dedupe != nil {
		e.Dedupe.Commit(ev.ID)
	}
	if e.Tracker != nil {
		e.Tracker.Record(ev)
	}
	return Applied, nil
}

// route applies ev. The session is touched first because it is the only step that can
// fail with NotFound; that keeps a rejected event from half-updating the other aggregates.
func (e *Engine) route(ctx context.Context, ev events.Event) error {
	switch ev.Kind {
	case events.SessionStarted:
		_, _, err := e.startSession(ctx, ev)
		return err

	case events.SessionEnded:
		var exit *string
		if ev.Page != "" {
			page := ev.Page
			exit = &page
		}
		_, err := e.Sessions.End(ctx, ev.SessionID, exit, ev.Timestamp)
		return err

	case events.PageView:
		_, err := e.touchSession(ctx, ev, e.Sessions.PageView)
		return err

	case events.Interaction:
		wallet := ev.WalletAddress
		if ev.SessionID != "" {
			sess, err := e.touchSession(ctx, ev, e.Sessions.Interaction)
			if err != nil {
				return err
			}
			if wallet == "" {
				wallet = sess.WalletAddress
			}
		}
		if wallet == "" {
			return nil
		}
		return e.userInteraction(ctx, wallet, ev.Timestamp)

	case events.ContractInteraction:
		wallet := ev.WalletAddress
		if ev.SessionID != "" {
			sess, err := e.touchSession(ctx, ev, e.Sessions.Interaction)
			if err != nil {
				return err
			}
			if wallet == "" {
				wallet = sess.WalletAddress
			}
		}
		if err := e.resolveContract(ctx, ev.ContractAddress, ev.Timestamp); err != nil {
			return err
		}
		_, err := e.Contracts.RecordInteraction(ctx, ev.ContractAddress, analytics.ContractInteraction{
			WalletAddress: wallet,
			EventName:     ev.EventName,
			GasUsed:       ev.GasAmount,
			At:            ev.Timestamp,
		})
		if err != nil {
			return err
		}
		if wallet == "" {
			return nil
		}
		return e.userInteraction(ctx, wallet, ev.Timestamp)

	case events.Transaction:
		if err := e.resolveUser(ctx, ev.WalletAddress, ev.Timestamp); err != nil {
			return err
		}
		if _, err := e.Users.RecordTransaction(ctx, ev.WalletAddress, ev.GasAmount, ev.Timestamp); err != nil {
			return err
		}
		if ev.ContractAddress == "" {
			return nil
		}
		if err := e.resolveContract(ctx, ev.ContractAddress, ev.Timestamp); err != nil {
			return err
		}
		_, err := e.Contracts.RecordTransaction(ctx, ev.ContractAddress, ev.WalletAddress, ev.GasAmount, ev.Timestamp)
		return err
	}
	return errs.InvalidPayloadf("engine.route", "unknown event kind %q", ev.Kind)
}

// startSession resolves the session of ev. A session with a wallet counts as a session of
// that user once, when the event that opened it is applied; a repeated start does not.
func (e *Engine) startSession(ctx context.Context, ev events.Event) (analytics.Session, bool, error) {
	sess, created, err := e.Sessions.Start(ctx, ev.SessionID, ev.SessionStart(), ev.Timestamp)
	if err != nil {
		return sess, false, err
	}
	if created {
		metrics.RecordCreated(string(analytics.KindSession))
	}
	if created || sess.OpenedBy(ev.ID) {
		err = e.userSession(ctx, sess, ev.Timestamp)
	}
	return sess, created, err
}

func (e *Engine) userSession(ctx context.Context, sess analytics.Session, at time.Time) error {
	if sess.WalletAddress == "" {
		return nil
	}
	if err := e.resolveUser(ctx, sess.WalletAddress, at); err != nil {
		return err
	}
	_, err := e.Users.RecordSession(ctx, sess.WalletAddress, at)
	return err
}

// touchSession applies update to the session of ev. With AutoCreateSessions an unknown
// session is started from ev instead. A session started by a page view counts that view
// as its entry page.
func (e *Engine) touchSession(ctx context.Context, ev events.Event,
	update func(context.Context, string, time.Time) (analytics.Session, error)) (analytics.Session, error) {
	sess, err := update(ctx, ev.SessionID, ev.Timestamp)
	if err == nil && sess.OpenedBy(ev.ID) {
		// Redelivery of the event that auto-created the session.
		return sess, e.userSession(ctx, sess, ev.Timestamp)
	}
	if err == nil || !e.cfg.AutoCreateSessions || !errors.Is(err, errs.ErrNotFound) {
		return sess, err
	}

	sess, created, err := e.startSession(ctx, ev)
	if err != nil {
		return sess, err
	}
	if created && ev.Kind == events.PageView {
		return sess, nil
	}
	return update(ctx, ev.SessionID, ev.Timestamp)
}

func (e *Engine) resolveUser(ctx context.Context, wallet string, at time.Time) error {
	_, created, err := e.Users.Resolve(ctx, wallet, at)
	if created {
		metrics.RecordCreated(string(analytics.KindUser))
	}
	return err
}

func (e *Engine) resolveContract(ctx context.Context, address string, at time.Time) error {
	_, created, err := e.Contracts.Resolve(ctx, address, analytics.ContractInfo{}, at)
	if created {
		metrics.RecordCreated(string(analytics.KindContract))
	}
	return err
}

func (e *Engine) userInteraction(ctx context.Context, wallet string, at time.Time) error {
	if err := e.resolveUser(ctx, wallet, at); err != nil {
		return err
	}
	_, err := e.Users.RecordInteraction(ctx, wallet, at)
	return err
}
