// Package catalog serves collection lookups, cache-aside over the
// remote catalog API.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jgivc/coursepull/internal/common"
	"github.com/jgivc/coursepull/internal/entity"
	"github.com/jgivc/coursepull/internal/ratelimit"
)

type CatalogAPI interface {
	FetchCollection(ctx context.Context, id, token string) (*entity.Collection, error)
}

type Cache interface {
	Get(ctx context.Context, collectionID string) (*entity.Collection, bool, error)
	Set(ctx context.Context, collectionID string, col *entity.Collection) error
}

type Limiter interface {
	Acquire(ctx context.Context, priority ratelimit.Priority) error
	Report429(retryAfter string)
	ClearBackoff()
}

type Credentials interface {
	GetToken(ctx context.Context, interactive bool) (string, error)
}

type CatalogService struct {
	api     CatalogAPI
	cache   Cache
	limiter Limiter
	creds   Credentials
	log     *slog.Logger
}

func NewCatalogService(api CatalogAPI, cache Cache, limiter Limiter,
	creds Credentials, log *slog.Logger) *CatalogService {
	return &CatalogService{
		api:     api,
		cache:   cache,
		limiter: limiter,
		creds:   creds,
		log:     log.With(slog.String("item", "CatalogService")),
	}
}

// GetCollection returns the cached collection if present, otherwise
// fetches it from the remote catalog. Catalog lookups feed user-facing
// selection so they take high priority at the limiter. A throttled
// fetch is retried once after reporting the backoff.
func (s *CatalogService) GetCollection(ctx context.Context, id string, force bool) (*entity.Collection, error) {
	if !force {
		col, ok, err := s.cache.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("cannot read cache: %w", err)
		}
		if ok {
			return col, nil
		}
	}

	col, err := s.fetchOnce(ctx, id)
	if err != nil {
		var te *common.ThrottledError
		if !errors.As(err, &te) {
			return nil, err
		}

		s.limiter.Report429(te.RetryAfter)
		s.log.Warn("Catalog fetch throttled, retrying", slog.String("collection", id))

		col, err = s.fetchOnce(ctx, id)
		if err != nil {
			return nil, err
		}
	}

	// The copy is served even if caching it fails.
	if err := s.cache.Set(ctx, id, col); err != nil {
		s.log.Error("Cannot cache collection",
			slog.String("collection", id), slog.Any("error", err))
	}

	return col, nil
}

func (s *CatalogService) fetchOnce(ctx context.Context, id string) (*entity.Collection, error) {
	if err := s.limiter.Acquire(ctx, ratelimit.PriorityHigh); err != nil {
		return nil, err
	}

	token, err := s.creds.GetToken(ctx, false)
	if err != nil {
		return nil, err
	}

	col, err := s.api.FetchCollection(ctx, id, token)
	if err != nil {
		return nil, err
	}

	s.limiter.ClearBackoff()

	return col, nil
}
