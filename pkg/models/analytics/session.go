package analytics

import (
	"strings"
	"time"

	"github.com/canopy-network/dappscope/pkg/errs"
)

// RequestContext describes where a session came from and where it left.
type RequestContext struct {
	UserAgent string `json:"userAgent,omitempty"`
	IPAddress string `json:"ipAddress,omitempty"`
	Referrer  string `json:"referrer,omitempty"`
	EntryPage string `json:"entryPage,omitempty"`
	ExitPage  string `json:"exitPage,omitempty"`
}

// Session is one continuous period of activity.
//
// IsActive is true exactly when EndTime is nil, and Duration is set exactly when EndTime is,
// always equal to EndTime - StartTime. Counters only grow while the session is active.
// StartEvent is the id of the event that opened the session, when it had one.
type Session struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId,omitempty"`
	WalletAddress string          `json:"walletAddress,omitempty"`
	StartTime     time.Time       `json:"startTime"`
	EndTime       *time.Time      `json:"endTime,omitempty"`
	Duration      *time.Duration  `json:"duration,omitempty"`
	IsActive      bool            `json:"isActive"`
	LastActivity  time.Time       `json:"lastActivity"`
	Context       *RequestContext `json:"context,omitempty"`
	PageViews     uint64          `json:"pageViews"`
	Interactions  uint64          `json:"interactions"`
	ChainID       *uint64         `json:"chainId,omitempty"`
	Metadata      Metadata        `json:"metadata,omitempty"`
	StartEvent    string          `json:"startEvent,omitempty"`
	Applied       AppliedEvents   `json:"appliedEvents,omitempty"`
}

// SessionStart carries the optional fields known when a session begins.
type SessionStart struct {
	WalletAddress string
	ChainID       *uint64
	UserAgent     string
	IPAddress     string
	Referrer      string
	EntryPage     string
	Metadata      Metadata
	EventID       string
}

func (s Session) EntityKind() EntityKind { return KindSession }
func (s Session) EntityKey() string      { return s.ID }

func (s Session) HasApplied(mark string) bool { return s.Applied.Has(mark) }

func (s Session) WithApplied(mark string) Session {
	s.Applied = s.Applied.With(mark)
	return s
}

// OpenedBy reports whether the event with id opened the session.
func (s Session) OpenedBy(id string) bool { return id != "" && s.StartEvent == id }

func (s Session) clone() Session {
	if s.EndTime != nil {
		t := *s.EndTime
		s.EndTime = &t
	}
	if s.Duration != nil {
		d := *s.Duration
		s.Duration = &d
	}
	if s.Context != nil {
		c := *s.Context
		s.Context = &c
	}
	if s.ChainID != nil {
		c := *s.ChainID
		s.ChainID = &c
	}
	s.Metadata = s.Metadata.Clone()
	return s
}

func (s *Session) touch(at time.Time) {
	if at.IsZero() {
		return
	}
	at = at.UTC()
	if at.After(s.LastActivity) {
		s.LastActivity = at
	}
}

// NewSession opens a session. The entry page counts as the first page view.
func NewSession(id string, in SessionStart, at time.Time) (Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Session{}, errs.InvalidPayloadf("analytics.new_session", "session id is required")
	}
	if at.IsZero() {
		return Session{}, errs.InvalidPayloadf("analytics.new_session", "start time is required")
	}
	if err := in.Metadata.Validate(); err != nil {
		return Session{}, err
	}
	at = at.UTC()

	s := Session{
		ID:           id,
		StartTime:    at,
		IsActive:     true,
		LastActivity: at,
		PageViews:    1,
		Metadata:     in.Metadata.Clone(),
		StartEvent:   in.EventID,
	}
	if in.WalletAddress != "" {
		addr, err := NormalizeAddress(in.WalletAddress)
		if err != nil {
			return Session{}, err
		}
		s.WalletAddress = addr
		s.UserID = UserID(addr)
	}
	if in.ChainID != nil {
		c := *in.ChainID
		s.ChainID = &c
	}
	if in.UserAgent != "" || in.IPAddress != "" || in.Referrer != "" || in.EntryPage != "" {
		s.Context = &RequestContext{
			UserAgent: in.UserAgent,
			IPAddress: in.IPAddress,
			Referrer:  in.Referrer,
			EntryPage: in.EntryPage,
		}
	}
	return s, nil
}

// SessionRecordPageView counts a page view. Ended sessions are frozen and returned unchanged.
func SessionRecordPageView(s Session, at time.Time) Session {
	out := s.clone()
	if !out.IsActive {
		return out
	}
	out.PageViews++
	out.touch(at)
	return out
}

// SessionRecordInteraction counts an interaction. Ended sessions are frozen and returned unchanged.
func SessionRecordInteraction(s Session, at time.Time) Session {
	out := s.clone()
	if !out.IsActive {
		return out
	}
	out.Interactions++
	out.touch(at)
	return out
}

// EndSession closes an active session at at, clamped so it never ends before it started.
//
// Ending an already ended session keeps the original EndTime and Duration; only a supplied
// exitPage is applied, last one wins.
func EndSession(s Session, exitPage *string, at time.Time) Session {
	out := s.clone()
	if exitPage != nil {
		if out.Context == nil {
			out.Context = &RequestContext{}
		}
		out.Context.ExitPage = *exitPage
	}
	if !out.IsActive {
		return out
	}

	end := at.UTC()
	if end.IsZero() || end.Before(out.StartTime) {
		end = out.StartTime
	}
	d := end.Sub(out.StartTime)
	out.EndTime = &end
	out.Duration = &d
	out.IsActive = false
	out.touch(end)
	return out
}

// SessionLinkUser attaches a wallet to an anonymous session. A session already linked to a
// different wallet is rejected.
func SessionLinkUser(s Session, wallet string) (Session, error) {
	addr, err := NormalizeAddress(wallet)
	if err != nil {
		return Session{}, err
	}
	if s.WalletAddress != "" && s.WalletAddress != addr {
		return Session{}, errs.New(errs.InvalidPayload, "analytics.link_session", s.ID,
			"session already belongs to %s", s.WalletAddress)
	}
	out := s.clone()
	out.WalletAddress = addr
	out.UserID = UserID(addr)
	return out, nil
}

func SessionMergeMetadata(s Session, patch Metadata) (Session, error) {
	md, err := Overlay(s.Metadata, patch)
	if err != nil {
		return Session{}, err
	}
	out := s.clone()
	out.Metadata = md
	return out, nil
}
