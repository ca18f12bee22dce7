package analytics

import (
	"sort"
	"strings"
	"time"

	"github.com/canopy-network/dappscope/pkg/errs"
	"github.com/canopy-network/dappscope/pkg/precision"
)

// User is the cumulative record of one wallet. Users are never deleted.
type User struct {
	ID                string            `json:"id"`
	WalletAddress     string            `json:"walletAddress"`
	FirstSeen         time.Time         `json:"firstSeen"`
	LastSeen          time.Time         `json:"lastSeen"`
	TotalSessions     uint64            `json:"totalSessions"`
	TotalInteractions uint64            `json:"totalInteractions"`
	TotalTransactions uint64            `json:"totalTransactions"`
	TotalGasSpent     string            `json:"totalGasSpent"`
	AssetsCount       uint64            `json:"assetsCount"`
	TokenBalances     map[string]string `json:"tokenBalances,omitempty"`
	Tags              []string          `json:"tags,omitempty"`
	Metadata          Metadata          `json:"metadata,omitempty"`
	Applied           AppliedEvents     `json:"appliedEvents,omitempty"`
}

func (u User) EntityKind() EntityKind { return KindUser }
func (u User) EntityKey() string      { return u.WalletAddress }

func (u User) HasApplied(mark string) bool { return u.Applied.Has(mark) }

func (u User) WithApplied(mark string) User {
	u.Applied = u.Applied.With(mark)
	return u
}

func (u User) clone() User {
	u.TokenBalances = cloneStringMap(u.TokenBalances)
	u.Tags = cloneStrings(u.Tags)
	u.Metadata = u.Metadata.Clone()
	return u
}

// touch advances LastSeen; out-of-order events never move it backwards.
func (u *User) touch(at time.Time) {
	if at.IsZero() {
		return
	}
	at = at.UTC()
	if at.After(u.LastSeen) {
		u.LastSeen = at
	}
}

// NewUser creates the record for a wallet first observed at at.
func NewUser(wallet string, at time.Time) (User, error) {
	addr, err := NormalizeAddress(wallet)
	if err != nil {
		return User{}, err
	}
	if at.IsZero() {
		return User{}, errs.InvalidPayloadf("analytics.new_user", "first-seen time is required")
	}
	at = at.UTC()
	return User{
		ID:            UserID(addr),
		WalletAddress: addr,
		FirstSeen:     at,
		LastSeen:      at,
		TotalGasSpent: precision.Zero,
	}, nil
}

func UserRecordSession(u User, at time.Time) User {
	out := u.clone()
	out.TotalSessions++
	out.touch(at)
	return out
}

func UserRecordInteraction(u User, at time.Time) User {
	out := u.clone()
	out.TotalInteractions++
	out.touch(at)
	return out
}

// UserRecordTransaction counts one transaction and adds gas to the running total.
// An empty gas amount counts the transaction without touching the total.
func UserRecordTransaction(u User, gas string, at time.Time) (User, error) {
	out := u.clone()
	if gas != "" {
		total, err := precision.Add(orZero(out.TotalGasSpent), gas)
		if err != nil {
			return User{}, err
		}
		out.TotalGasSpent = total
	}
	out.TotalTransactions++
	out.touch(at)
	return out, nil
}

// UserAddGas adds gas to the running total without counting a new transaction, for fees
// reported after the transaction itself (a bumped or settled fee).
func UserAddGas(u User, gas string, at time.Time) (User, error) {
	total, err := precision.Add(orZero(u.TotalGasSpent), gas)
	if err != nil {
		return User{}, err
	}
	out := u.clone()
	out.TotalGasSpent = total
	out.touch(at)
	return out, nil
}

// UserSetTokenBalance records the held amount of a token. A zero amount unlinks the asset.
func UserSetTokenBalance(u User, symbol, amount string, at time.Time) (User, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if sym == "" {
		return User{}, errs.InvalidPayloadf("analytics.token_balance", "token symbol is required")
	}
	norm, err := precision.Normalize(amount)
	if err != nil {
		return User{}, err
	}

	out := u.clone()
	if out.TokenBalances == nil {
		out.TokenBalances = make(map[string]string)
	}
	if norm == precision.Zero {
		delete(out.TokenBalances, sym)
	} else {
		out.TokenBalances[sym] = norm
	}
	if len(out.TokenBalances) == 0 {
		out.TokenBalances = nil
	}
	out.AssetsCount = uint64(len(out.TokenBalances))
	out.touch(at)
	return out, nil
}

// UserAddTags merges tags into the user's sorted tag set.
func UserAddTags(u User, tags ...string) User {
	out := u.clone()
	set := make(map[string]struct{}, len(out.Tags)+len(tags))
	for _, t := range out.Tags {
		set[t] = struct{}{}
	}
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			set[t] = struct{}{}
		}
	}
	if len(set) == 0 {
		return out
	}
	out.Tags = make([]string, 0, len(set))
	for t := range set {
		out.Tags = append(out.Tags, t)
	}
	sort.Strings(out.Tags)
	return out
}

func UserMergeMetadata(u User, patch Metadata) (User, error) {
	md, err := Overlay(u.Metadata, patch)
	if err != nil {
		return User{}, err
	}
	out := u.clone()
	out.Metadata = md
	return out, nil
}

func orZero(s string) string {
	if s == "" {
		return precision.Zero
	}
	return s
}
