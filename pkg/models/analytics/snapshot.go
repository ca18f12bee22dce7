package analytics

import "time"

// DailySnapshot is the immutable rollup for one UTC calendar date.
type DailySnapshot struct {
	Date               string         `json:"date"`
	NewUsers           uint64         `json:"newUsers"`
	ActiveUsers        uint64         `json:"activeUsers"`
	TotalSessions      uint64         `json:"totalSessions"`
	AvgSessionDuration time.Duration  `json:"avgSessionDuration"`
	TotalTransactions  uint64         `json:"totalTransactions"`
	TotalGasUsed       string         `json:"totalGasUsed"`
	TopContracts       []ContractRank `json:"topContracts"`
	TopEvents          []EventRank    `json:"topEvents"`
	Metadata           Metadata       `json:"metadata,omitempty"`
}

type ContractRank struct {
	Address      string `json:"address"`
	Name         string `json:"name,omitempty"`
	Interactions uint64 `json:"interactions"`
	UniqueUsers  uint64 `json:"uniqueUsers"`
	GasUsed      string `json:"gasUsed"`
}

type EventRank struct {
	Name  string `json:"name"`
	Count uint64 `json:"count"`
}

// DateLayout is the calendar date format used as the snapshot key.
const DateLayout = "2006-01-02"

// DayBounds returns [start, end) of the UTC day containing t.
func DayBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}
