package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotificationGroupCreated       NotificationType = "group_created"
	NotificationMemberJoined       NotificationType = "member_joined"
	NotificationContributionMade   NotificationType = "contribution_made"
	NotificationGracePeriodStarted NotificationType = "grace_period_started"
	NotificationMemberSlashed      NotificationType = "member_slashed"
	NotificationPayoutReleased     NotificationType = "payout_released"
	NotificationGroupCompleted     NotificationType = "group_completed"
)

type Notification struct {
	ID        uuid.UUID        `db:"id" json:"id"`
	Recipient string           `db:"recipient" json:"recipient"`
	Type      NotificationType `db:"type" json:"type"`
	Title     string           `db:"title" json:"title"`
	Message   string           `db:"message" json:"message"`
	Payload   json.RawMessage  `db:"payload" json:"payload"`
	Signature string           `db:"signature" json:"signature"`
	Slot      uint64           `db:"slot" json:"slot"`
	CreatedAt time.Time        `db:"created_at" json:"createdAt"`
}
