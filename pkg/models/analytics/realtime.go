package analytics

import "time"

// RealTime is the rolling view over the trailing window. It is recomputed from scratch and
// never persisted.
type RealTime struct {
	Window             time.Duration `json:"window"`
	ActiveUsers        uint64        `json:"activeUsers"`
	ActiveSessions     uint64        `json:"activeSessions"`
	TransactionsWindow uint64        `json:"transactionsWindow"`
	EventsWindow       uint64        `json:"eventsWindow"`
	TopPages           []PageCount   `json:"topPages"`
	RecentEvents       []RecentEvent `json:"recentEvents"`
	UpdatedAt          time.Time     `json:"updatedAt"`
}

type PageCount struct {
	Page  string `json:"page"`
	Views uint64 `json:"views"`
}

type RecentEvent struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	Timestamp       time.Time `json:"timestamp"`
	WalletAddress   string    `json:"walletAddress,omitempty"`
	SessionID       string    `json:"sessionId,omitempty"`
	ContractAddress string    `json:"contractAddress,omitempty"`
	EventName       string    `json:"eventName,omitempty"`
	Page            string    `json:"page,omitempty"`
}
