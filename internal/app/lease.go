package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SettlementLease guards a pledge against concurrent settlement attempts.
type SettlementLease interface {
	Acquire(ctx context.Context, pledgeID uuid.UUID) (release func(), acquired bool, err error)
}

// NoopSettlementLease always grants the lease. Used when Redis is not configured.
type NoopSettlementLease struct{}

func (NoopSettlementLease) Acquire(context.Context, uuid.UUID) (func(), bool, error) {
	return func() {}, true, nil
}

var releaseSettlementLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisSettlementLease implements a per-pledge lease with SET NX PX.
type RedisSettlementLease struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisSettlementLease(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisSettlementLease {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "baseline:settlement_lease"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = settlementLeaseDefaultExpiry
	}

	return &RedisSettlementLease{
		client: client,
		prefix: trimmedPrefix,
		ttl:    ttl,
	}
}

func (r *RedisSettlementLease) key(pledgeID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", r.prefix, pledgeID.String())
}

func (r *RedisSettlementLease) Acquire(ctx context.Context, pledgeID uuid.UUID) (func(), bool, error) {
	if r == nil || r.client == nil {
		return func() {}, true, nil
	}

	key := r.key(pledgeID)
	token := uuid.NewString()
	acquired, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire settlement lease: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}

	release := func() {
		// Released on a fresh context so a cancelled request still frees the lease.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseSettlementLeaseScript.Run(releaseCtx, r.client, []string{key}, token).Err(); err != nil {
			log.Printf("level=warn component=service flow=settlement_lease msg=\"failed to release lease\" pledge_id=%s err=%v", pledgeID, err)
		}
	}
	return release, true, nil
}
