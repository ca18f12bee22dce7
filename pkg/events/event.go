// Package events defines the domain events the aggregation engine consumes.
package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/canopy-network/dappscope/pkg/errs"
	"github.com/canopy-network/dappscope/pkg/models/analytics"
	"github.com/canopy-network/dappscope/pkg/precision"
)

type Kind string

const (
	SessionStarted      Kind = "session_started"
	SessionEnded        Kind = "session_ended"
	PageView            Kind = "page_view"
	Interaction         Kind = "interaction"
	ContractInteraction Kind = "contract_interaction"
	Transaction         Kind = "transaction"
)

var Kinds = []Kind{SessionStarted, SessionEnded, PageView, Interaction, ContractInteraction, Transaction}

func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Event is one delivery from the event source. ID doubles as the idempotency key.
type Event struct {
	ID              string             `json:"id"`
	Kind            Kind               `json:"kind"`
	Timestamp       time.Time          `json:"timestamp"`
	WalletAddress   string             `json:"walletAddress,omitempty"`
	SessionID       string             `json:"sessionId,omitempty"`
	ContractAddress string             `json:"contractAddress,omitempty"`
	EventName       string             `json:"eventName,omitempty"`
	GasAmount       string             `json:"gasAmount,omitempty"`
	Page            string             `json:"page,omitempty"`
	ChainID         *uint64            `json:"chainId,omitempty"`
	UserAgent       string             `json:"userAgent,omitempty"`
	IPAddress       string             `json:"ipAddress,omitempty"`
	Referrer        string             `json:"referrer,omitempty"`
	TxHash          string             `json:"txHash,omitempty"`
	Metadata        analytics.Metadata `json:"metadata,omitempty"`
}

func invalid(ev Event, format string, args ...any) error {
	e := errs.InvalidPayloadf("events.validate", format, args...)
	e.Key = ev.ID
	return e
}

// Validate checks the fields each kind requires. Gas amounts are checked separately and
// fail with InvalidNumeric.
func (ev Event) Validate() error {
	if strings.TrimSpace(ev.ID) == "" {
		return invalid(ev, "event id is required")
	}
	if !ev.Kind.Valid() {
		return invalid(ev, "unknown event kind %q", ev.Kind)
	}
	if ev.Timestamp.IsZero() {
		return invalid(ev, "timestamp is required")
	}

	switch ev.Kind {
	case SessionStarted, SessionEnded, PageView:
		if strings.TrimSpace(ev.SessionID) == "" {
			return invalid(ev, "%s requires a session id", ev.Kind)
		}
	case Interaction:
		if strings.TrimSpace(ev.SessionID) == "" && ev.WalletAddress == "" {
			return invalid(ev, "%s requires a session id or a wallet address", ev.Kind)
		}
	case ContractInteraction:
		if ev.ContractAddress == "" {
			return invalid(ev, "%s requires a contract address", ev.Kind)
		}
	case Transaction:
		if ev.WalletAddress == "" {
			return invalid(ev, "%s requires a wallet address", ev.Kind)
		}
	}

	for _, addr := range []string{ev.WalletAddress, ev.ContractAddress} {
		if addr == "" {
			continue
		}
		if _, err := analytics.NormalizeAddress(addr); err != nil {
			return err
		}
	}
	if ev.GasAmount != "" && !precision.Valid(ev.GasAmount) {
		return errs.New(errs.InvalidNumeric, "events.validate", ev.ID,
			"gas amount %q is not a non-negative base-10 integer", ev.GasAmount)
	}
	return ev.Metadata.Validate()
}

// Decode parses one JSON event and validates it. Unknown fields are rejected.
func Decode(data []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var ev Event
	if err := dec.Decode(&ev); err != nil {
		return Event{}, errs.Wrap(errs.InvalidPayload, "events.decode", "", err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// SessionStart extracts the creation fields of a session from the event.
func (ev Event) SessionStart() analytics.SessionStart {
	return analytics.SessionStart{
		WalletAddress: ev.WalletAddress,
		ChainID:       ev.ChainID,
		UserAgent:     ev.UserAgent,
		IPAddress:     ev.IPAddress,
		Referrer:      ev.Referrer,
		EntryPage:     ev.Page,
		Metadata:      ev.Metadata,
		EventID:       ev.ID,
	}
}

func (ev Event) Recent() analytics.RecentEvent {
	return analytics.RecentEvent{
		ID:              ev.ID,
		Kind:            string(ev.Kind),
		Timestamp:       ev.Timestamp.UTC(),
		WalletAddress:   ev.WalletAddress,
		SessionID:       ev.SessionID,
		ContractAddress: ev.ContractAddress,
		EventName:       ev.EventName,
		Page:            ev.Page,
	}
}
