// Package compliance resolves prior compliance flags for trading entities.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/clearance/internal/domain"
	"github.com/opensource-finance/clearance/internal/repository"
)

// DefaultTTL is how long a resolved flag stays in the cache.
const DefaultTTL = 5 * time.Minute

// Service looks up compliance flags, cache first.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
	ttl   time.Duration
}

// NewService creates a new compliance service. cache may be nil.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
		ttl:   DefaultTTL,
	}
}

func flagKey(entityID string) string {
	return "flag:" + entityID
}

// PriorFlag reports whether the entity carries a prior compliance flag.
// An entity without a stored flag is not flagged.
func (s *Service) PriorFlag(ctx context.Context, tenantID, entityID string) (bool, error) {
	if tenantID == "" || entityID == "" {
		return false, fmt.Errorf("tenantID and entityID are required")
	}

	if s.cache != nil {
		if v, err := s.cache.Get(ctx, tenantID, flagKey(entityID)); err == nil && v != nil {
			return string(v) == "1", nil
		}
	}

	if s.repo == nil {
		return false, fmt.Errorf("no data source available")
	}

	flagged := false
	flag, err := s.repo.GetComplianceFlag(ctx, tenantID, entityID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
	case err != nil:
		return false, fmt.Errorf("failed to get compliance flag: %w", err)
	default:
		flagged = flag.Flagged
	}

	if s.cache != nil {
		v := []byte("0")
		if flagged {
			v = []byte("1")
		}
		_ = s.cache.Set(ctx, tenantID, flagKey(entityID), v, s.ttl)
	}
	return flagged, nil
}

// GetFlag returns the stored flag of an entity.
func (s *Service) GetFlag(ctx context.Context, tenantID, entityID string) (*domain.ComplianceFlag, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("no data source available")
	}
	return s.repo.GetComplianceFlag(ctx, tenantID, entityID)
}

// SetFlag stores a flag and drops any cached value for the entity.
func (s *Service) SetFlag(ctx context.Context, tenantID string, flag *domain.ComplianceFlag) error {
	if s.repo == nil {
		return fmt.Errorf("no data source available")
	}
	if flag == nil || flag.EntityID == "" {
		return fmt.Errorf("%w: entityID is required", repository.ErrInvalidInput)
	}
	if flag.UpdatedAt.IsZero() {
		flag.UpdatedAt = time.Now().UTC()
	}
	flag.TenantID = tenantID

	if err := s.repo.SaveComplianceFlag(ctx, tenantID, flag); err != nil {
		return fmt.Errorf("failed to save compliance flag: %w", err)
	}
	if s.cache != nil {
		_ = s.cache.Delete(ctx, tenantID, flagKey(flag.EntityID))
	}
	return nil
}
