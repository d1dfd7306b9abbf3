package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/jgivc/coursepull/internal/common"
	"github.com/jgivc/coursepull/internal/entity"
)

type CatalogClient struct {
	cl      *http.Client
	baseURL string
	log     *slog.Logger
}

func NewCatalogClient(cfg Config, log *slog.Logger) *CatalogClient {
	cfg.setDefaults()

	return &CatalogClient{
		cl:      newHTTPClient(cfg.RequestTimeout),
		baseURL: cfg.CatalogBaseURL,
		log:     log.With(slog.String("item", "CatalogClient")),
	}
}

// FetchCollection retrieves the records of one collection.
func (c *CatalogClient) FetchCollection(ctx context.Context, id, token string) (*entity.Collection, error) {
	u := fmt.Sprintf("%s/collections/%s", c.baseURL, url.PathEscape(id))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot build catalog request: %w", err)
	}

	body, err := do(c.cl, req, token)
	if err != nil {
		var status *common.StatusError
		if errors.As(err, &status) && status.Code == http.StatusNotFound {
			return nil, fmt.Errorf("cannot fetch collection %s: %w", id, common.ErrCollectionNotFound)
		}

		return nil, fmt.Errorf("cannot fetch collection %s: %w", id, err)
	}

	var col entity.Collection
	if err := json.Unmarshal(body, &col); err != nil {
		return nil, fmt.Errorf("cannot decode collection %s: %w", id, err)
	}

	return &col, nil
}
