package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event is an append-only domain event row.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	UserID    uuid.UUID      `json:"user_id"`
	EventType string         `json:"event_type"`
	GoalID    uuid.UUID      `json:"goal_id"`
	PledgeID  uuid.UUID      `json:"pledge_id"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

// PledgeSettledMessage is the broker payload published for a settled pledge.
type PledgeSettledMessage struct {
	EventID    string         `json:"event_id"`
	PledgeID   string         `json:"pledge_id"`
	GoalID     string         `json:"goal_id"`
	UserID     string         `json:"user_id"`
	EventType  string         `json:"event_type"`
	Data       map[string]any `json:"data"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// NewPledgeSettledMessage builds the broker payload for e.
func NewPledgeSettledMessage(e Event) PledgeSettledMessage {
	return PledgeSettledMessage{
		EventID:    e.ID.String(),
		PledgeID:   e.PledgeID.String(),
		GoalID:     e.GoalID.String(),
		UserID:     e.UserID.String(),
		EventType:  e.EventType,
		Data:       e.Data,
		OccurredAt: e.CreatedAt,
	}
}
