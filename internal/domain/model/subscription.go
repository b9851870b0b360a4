package model

import "time"

// SubscriptionStatus is the per-program stream state.
type SubscriptionStatus int

const (
	SubscriptionDisconnected SubscriptionStatus = iota
	SubscriptionConnecting
	SubscriptionSubscribed
)

func (s SubscriptionStatus) String() string {
	switch s {
	case SubscriptionDisconnected:
		return "disconnected"
	case SubscriptionConnecting:
		return "connecting"
	case SubscriptionSubscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

func (s SubscriptionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SubscriptionState is owned by exactly one subscription task.
// Copies handed out through snapshots are read-only.
type SubscriptionState struct {
	ProgramID         string             `json:"programId"`
	ProgramLabel      string             `json:"programLabel"`
	Status            SubscriptionStatus `json:"status"`
	Connected         bool               `json:"connected"`
	LastProcessedSlot uint64             `json:"lastProcessedSlot"`
	RetryCount        int                `json:"retryCount"`
	LastError         string             `json:"lastError,omitempty"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}
