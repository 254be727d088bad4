/**
 * @description
 * PostgreSQL implementation of the Repository interface using pgx. All status
 * changes are conditional updates on the current status so concurrent sweeps
 * and settlement paths can never move a pledge backwards.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and connection pool.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/theWinterDojer/baseline-sub000/internal/domain"
)

const pledgeColumns = `
	id, goal_id, sponsor_id, amount_cents, status, deadline_at, min_check_ins,
	accepted_at, approval_at, settled_at, onchain_pledge_id, escrow_contract_address,
	escrow_token_address, escrow_amount_raw, settlement_tx, created_at, updated_at`

const maxOutboxErrorLength = 2000

type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresRepository is the pgx-backed Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanPledge(row rowScanner) (*domain.Pledge, error) {
	var (
		p      domain.Pledge
		status string
	)
	if err := row.Scan(
		&p.ID,
		&p.GoalID,
		&p.SponsorID,
		&p.AmountCents,
		&status,
		&p.DeadlineAt,
		&p.MinimumProgressThreshold,
		&p.AcceptedAt,
		&p.ApprovalAt,
		&p.SettledAt,
		&p.OnchainPledgeID,
		&p.EscrowContractAddress,
		&p.EscrowTokenAddress,
		&p.EscrowAmountRaw,
		&p.SettlementTx,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Status = domain.PledgeStatus(status)
	if !p.Status.IsValid() {
		return nil, fmt.Errorf("pledge %s has unknown status %q", p.ID, status)
	}
	return &p, nil
}

func collectPledges(rows pgx.Rows) ([]domain.Pledge, error) {
	defer rows.Close()

	var pledges []domain.Pledge
	for rows.Next() {
		p, err := scanPledge(rows)
		if err != nil {
			return nil, err
		}
		pledges = append(pledges, *p)
	}
	return pledges, rows.Err()
}

// FindGoalByID retrieves a goal by id.
func (r *PostgresRepository) FindGoalByID(ctx context.Context, goalID uuid.UUID) (*domain.Goal, error) {
	query := `
		SELECT id, user_id, completed_at, commitment_id, commitment_contract_address
		FROM goals
		WHERE id = $1
	`
	var g domain.Goal
	err := r.db.QueryRow(ctx, query, goalID).Scan(&g.ID, &g.UserID, &g.CompletedAt, &g.CommitmentID, &g.CommitmentContractAddress)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGoalNotFound
		}
		return nil, err
	}
	return &g, nil
}

// FindGoalsByIDs loads the goals for a batch of pledges in one round trip.
func (r *PostgresRepository) FindGoalsByIDs(ctx context.Context, goalIDs []uuid.UUID) (map[uuid.UUID]domain.Goal, error) {
	goals := make(map[uuid.UUID]domain.Goal, len(goalIDs))
	ids := uniqueIDStrings(goalIDs)
	if len(ids) == 0 {
		return goals, nil
	}

	query := `
		SELECT id, user_id, completed_at, commitment_id, commitment_contract_address
		FROM goals
		WHERE id = ANY($1::uuid[])
	`
	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var g domain.Goal
		if err := rows.Scan(&g.ID, &g.UserID, &g.CompletedAt, &g.CommitmentID, &g.CommitmentContractAddress); err != nil {
			return nil, err
		}
		goals[g.ID] = g
	}
	return goals, rows.Err()
}

// CreatePledge inserts a new offered pledge and fills in generated columns.
func (r *PostgresRepository) CreatePledge(ctx context.Context, pledge *domain.Pledge) error {
	query := `
		INSERT INTO pledges (id, goal_id, sponsor_id, amount_cents, status, deadline_at, min_check_ins)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	if pledge.ID == uuid.Nil {
		pledge.ID = uuid.New()
	}
	return r.db.QueryRow(ctx, query,
		pledge.ID,
		pledge.GoalID,
		pledge.SponsorID,
		pledge.AmountCents,
		string(pledge.Status),
		pledge.DeadlineAt,
		pledge.MinimumProgressThreshold,
	).Scan(&pledge.CreatedAt, &pledge.UpdatedAt)
}

// FindPledgeByID retrieves a pledge by id.
func (r *PostgresRepository) FindPledgeByID(ctx context.Context, pledgeID uuid.UUID) (*domain.Pledge, error) {
	query := `SELECT ` + pledgeColumns + ` FROM pledges WHERE id = $1`
	p, err := scanPledge(r.db.QueryRow(ctx, query, pledgeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPledgeNotFound
		}
		return nil, err
	}
	return p, nil
}

// AcceptPledgeOffer moves an offered pledge to accepted, recording the escrow
// link in the same statement when one is supplied.
func (r *PostgresRepository) AcceptPledgeOffer(ctx context.Context, pledgeID uuid.UUID, acceptedAt time.Time, link *domain.EscrowLink) (bool, error) {
	var (
		onchainID *string
		contract  *string
		token     *string
		amountRaw *string
	)
	if link != nil {
		id := strings.TrimSpace(link.OnchainPledgeID)
		onchainID = &id
		contract = trimmedOrNil(link.EscrowContractAddress)
		token = trimmedOrNil(link.EscrowTokenAddress)
		amountRaw = trimmedOrNil(link.EscrowAmountRaw)
	}

	query := `
		UPDATE pledges
		SET status = 'accepted',
		    accepted_at = $2,
		    onchain_pledge_id = COALESCE($3, onchain_pledge_id),
		    escrow_contract_address = COALESCE($4, escrow_contract_address),
		    escrow_token_address = COALESCE($5, escrow_token_address),
		    escrow_amount_raw = COALESCE($6, escrow_amount_raw),
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'offered'
		  AND deadline_at >= $2
	`
	tag, err := r.db.Exec(ctx, query, pledgeID, acceptedAt, onchainID, contract, token, amountRaw)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CancelPledgeOffer moves an offered pledge to cancelled.
func (r *PostgresRepository) CancelPledgeOffer(ctx context.Context, pledgeID uuid.UUID, cancelledAt time.Time) (bool, error) {
	query := `
		UPDATE pledges
		SET status = 'cancelled',
		    updated_at = $2
		WHERE id = $1
		  AND status = 'offered'
	`
	tag, err := r.db.Exec(ctx, query, pledgeID, cancelledAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireOverdueOffers expires every offered pledge whose deadline has passed,
// as a single filtered update.
func (r *PostgresRepository) ExpireOverdueOffers(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	query := `
		UPDATE pledges
		SET status = 'expired',
		    updated_at = $1
		WHERE status = 'offered'
		  AND deadline_at < $1
		RETURNING id
	`
	rows, err := r.db.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListOnchainPledges returns a page of pledges that have an escrow counterpart.
func (r *PostgresRepository) ListOnchainPledges(ctx context.Context, limit, offset int) ([]domain.Pledge, error) {
	limit, offset = normalizePage(limit, offset)
	query := `
		SELECT ` + pledgeColumns + `
		FROM pledges
		WHERE onchain_pledge_id IS NOT NULL
		ORDER BY created_at ASC, id ASC
		LIMIT $1 OFFSET $2
	`
	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectPledges(rows)
}

// ListUnsettledAcceptedPledges returns accepted pledges with no settled_at,
// either those with an escrow counterpart or the legacy off-chain ones.
func (r *PostgresRepository) ListUnsettledAcceptedPledges(ctx context.Context, onchain bool) ([]domain.Pledge, error) {
	escrowPredicate := "onchain_pledge_id IS NULL"
	if onchain {
		escrowPredicate = "onchain_pledge_id IS NOT NULL"
	}
	query := `
		SELECT ` + pledgeColumns + `
		FROM pledges
		WHERE status = 'accepted'
		  AND settled_at IS NULL
		  AND ` + escrowPredicate + `
		ORDER BY deadline_at ASC, id ASC
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return collectPledges(rows)
}

// MarkPledgeSettled mirrors a settlement off-chain together with its event.
func (r *PostgresRepository) MarkPledgeSettled(ctx context.Context, update domain.SettlementUpdate, target OutboxTarget) (bool, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE pledges
		SET status = 'settled',
		    settled_at = $2,
		    approval_at = COALESCE($3, approval_at),
		    settlement_tx = COALESCE($4, settlement_tx),
		    updated_at = $2
		WHERE id = $1
		  AND status = 'accepted'
		  AND settled_at IS NULL
	`, update.PledgeID, update.SettledAt, update.ApprovalAt, update.SettlementTx)
	if err != nil {
		return false, fmt.Errorf("failed to update pledge: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	data, err := json.Marshal(update.Event.Data)
	if err != nil {
		return false, fmt.Errorf("failed to marshal event data: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO events (id, user_id, event_type, goal_id, pledge_id, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
	`, update.Event.ID, update.Event.UserID, update.Event.EventType, update.Event.GoalID, update.Event.PledgeID, string(data), update.Event.CreatedAt); err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}

	if strings.TrimSpace(target.Exchange) != "" {
		if err := enqueueEventTx(ctx, tx, target.Exchange, target.RoutingKey, domain.NewPledgeSettledMessage(update.Event)); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit settlement: %w", err)
	}
	return true, nil
}

func enqueueEventTx(ctx context.Context, tx pgx.Tx, exchange, routingKey string, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

// ClaimOutboxMessages marks a batch of pending (or stale processing) outbox rows
// as processing and returns them.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         OutboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payloadText, &msg.Attempts); err != nil {
			return nil, err
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkOutboxPublished marks an outbox row as delivered.
func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

// MarkOutboxFailed returns an outbox row to pending with a retry delay.
func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, truncateReason(reason))
	return err
}

// MarkOutboxDead parks an outbox row that will not be retried.
func (r *PostgresRepository) MarkOutboxDead(ctx context.Context, id int64, reason string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'dead_letter',
			processing_started_at = NULL,
			last_error = $2
		WHERE id = $1
	`, id, truncateReason(reason))
	return err
}

func uniqueIDStrings(ids []uuid.UUID) []string {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id.String())
	}
	return out
}

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func trimmedOrNil(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func truncateReason(reason string) string {
	if len(reason) > maxOutboxErrorLength {
		return reason[:maxOutboxErrorLength]
	}
	return reason
}
