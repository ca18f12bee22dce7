// Package snapshot folds the aggregate set into daily rollups and persists them.
package snapshot

import (
	"sort"
	"strings"
	"time"

	"github.com/canopy-network/dappscope/pkg/errs"
	"github.com/canopy-network/dappscope/pkg/models/analytics"
	"github.com/canopy-network/dappscope/pkg/precision"
)

// Aggregates is the aggregate set a snapshot is built from.
type Aggregates struct {
	Users     []analytics.User
	Sessions  []analytics.Session
	Contracts []analytics.Contract
}

const DefaultTopN = 10

// Builder turns aggregates into a DailySnapshot. Build is a pure function of its inputs.
//
// NewUsers, ActiveUsers, TotalSessions and AvgSessionDuration are scoped to the date.
// TotalTransactions, TotalGasUsed and the rankings are the cumulative totals held by the
// aggregates when the build runs, since aggregates do not keep per-day history.
type Builder struct {
	TopN int
}

// ParseDate parses a YYYY-MM-DD date as the start of that UTC day.
func ParseDate(s string) (time.Time, error) {
	d, err := time.ParseInLocation(analytics.DateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, errs.Wrap(errs.InvalidPayload, "snapshot.parse_date", s, err)
	}
	return d, nil
}

func within(t, start, end time.Time) bool {
	return !t.Before(start) && t.Before(end)
}

func (b Builder) Build(date time.Time, in Aggregates) (analytics.DailySnapshot, error) {
	topN := b.TopN
	if topN <= 0 {
		topN = DefaultTopN
	}
	start, end := analytics.DayBounds(date)

	snap := analytics.DailySnapshot{
		Date:         start.Format(analytics.DateLayout),
		TotalGasUsed: precision.Zero,
		Metadata: analytics.Metadata{
			"users":     analytics.IntValue(int64(len(in.Users))),
			"sessions":  analytics.IntValue(int64(len(in.Sessions))),
			"contracts": analytics.IntValue(int64(len(in.Contracts))),
		},
	}

	active := make(map[string]struct{})
	gas := make([]string, 0, len(in.Users))
	for _, u := range in.Users {
		if within(u.FirstSeen, start, end) {
			snap.NewUsers++
		}
		if within(u.LastSeen, start, end) {
			active[u.WalletAddress] = struct{}{}
		}
		snap.TotalTransactions += u.TotalTransactions
		if u.TotalGasSpent != "" {
			gas = append(gas, u.TotalGasSpent)
		}
	}
	total, err := precision.Sum(gas...)
	if err != nil {
		return analytics.DailySnapshot{}, err
	}
	snap.TotalGasUsed = total

	var (
		ended    int64
		duration time.Duration
	)
	for _, s := range in.Sessions {
		if within(s.StartTime, start, end) {
			snap.TotalSessions++
		}
		overlaps := s.StartTime.Before(end) && (s.EndTime == nil || !s.EndTime.Before(start))
		if overlaps && s.WalletAddress != "" {
			active[s.WalletAddress] = struct{}{}
		}
		if s.EndTime != nil && s.Duration != nil && within(*s.EndTime, start, end) {
			ended++
			duration += *s.Duration
		}
	}
	snap.ActiveUsers = uint64(len(active))
	if ended > 0 {
		snap.AvgSessionDuration = duration / time.Duration(ended)
	}

	snap.TopContracts = topContracts(in.Contracts, topN)
	snap.TopEvents = topEvents(in.Contracts, topN)
	return snap, nil
}

func topContracts(contracts []analytics.Contract, n int) []analytics.ContractRank {
	out := make([]analytics.ContractRank, 0, len(contracts))
	for _, c := range contracts {
		out = append(out, analytics.ContractRank{
			Address:      c.Address,
			Name:         c.Name,
			Interactions: c.TotalInteractions,
			UniqueUsers:  c.UniqueUsers,
			GasUsed:      c.TotalGasUsed,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Interactions != out[j].Interactions {
			return out[i].Interactions > out[j].Interactions
		}
		return out[i].Address < out[j].Address
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func topEvents(contracts []analytics.Contract, n int) []analytics.EventRank {
	counts := make(map[string]uint64)
	for _, c := range contracts {
		for name, cnt := range c.EventCounts {
			counts[name] += cnt
		}
	}
	out := make([]analytics.EventRank, 0, len(counts))
	for name, cnt := range counts {
		out = append(out, analytics.EventRank{Name: name, Count: cnt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
