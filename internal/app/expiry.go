package app

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/theWinterDojer/baseline-sub000/internal/domain"
)

// ExpireOverdueOffers moves every offered pledge whose deadline has passed to
// expired. The store applies the filtered update as one statement, so the sweep
// either commits completely or reports the error.
func (s *Service) ExpireOverdueOffers(ctx context.Context) (*domain.ExpiryResult, error) {
	now := s.now()
	ids, err := s.repo.ExpireOverdueOffers(ctx, now)
	if err != nil {
		log.Printf("level=error component=service flow=expire_overdue msg=\"expiry sweep failed\" err=%v", err)
		return nil, fmt.Errorf("failed to expire overdue offers: %w", err)
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}

	if len(ids) > 0 {
		log.Printf("level=info component=service flow=expire_overdue msg=\"expired overdue offers\" count=%d", len(ids))
	}
	return &domain.ExpiryResult{Expired: len(ids), PledgeIDs: ids}, nil
}
