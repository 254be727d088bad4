/**
 * @description
 * This file defines the `Repository` interface, the contract for all data access
 * required by the pledge-service. The service layer depends on this interface so
 * the Postgres implementation can be swapped for stubs in tests.
 *
 * @dependencies
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/theWinterDojer/baseline-sub000/internal/domain"
)

var (
	ErrPledgeNotFound = errors.New("pledge not found")
	ErrGoalNotFound   = errors.New("goal not found")
)

// OutboxMessage is a claimed row from event_outbox.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// OutboxTarget names where a settlement event is published.
type OutboxTarget struct {
	Exchange   string
	RoutingKey string
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Goal methods
	FindGoalByID(ctx context.Context, goalID uuid.UUID) (*domain.Goal, error)
	FindGoalsByIDs(ctx context.Context, goalIDs []uuid.UUID) (map[uuid.UUID]domain.Goal, error)

	// Pledge lifecycle methods
	CreatePledge(ctx context.Context, pledge *domain.Pledge) error
	FindPledgeByID(ctx context.Context, pledgeID uuid.UUID) (*domain.Pledge, error)
	AcceptPledgeOffer(ctx context.Context, pledgeID uuid.UUID, acceptedAt time.Time, link *domain.EscrowLink) (bool, error)
	CancelPledgeOffer(ctx context.Context, pledgeID uuid.UUID, cancelledAt time.Time) (bool, error)

	// Sweeper and reconciliation methods
	ExpireOverdueOffers(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	ListOnchainPledges(ctx context.Context, limit, offset int) ([]domain.Pledge, error)
	ListUnsettledAcceptedPledges(ctx context.Context, onchain bool) ([]domain.Pledge, error)

	// MarkPledgeSettled writes the settled fields, the events row and the outbox
	// row in one transaction. It returns false when the pledge was no longer
	// accepted and unsettled.
	MarkPledgeSettled(ctx context.Context, update domain.SettlementUpdate, target OutboxTarget) (bool, error)

	// Outbox methods
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
	MarkOutboxDead(ctx context.Context, id int64, reason string) error
}
