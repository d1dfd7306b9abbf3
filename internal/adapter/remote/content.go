package remote

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
)

type ContentClient struct {
	cl      *http.Client
	baseURL string
	log     *slog.Logger
}

func NewContentClient(cfg Config, log *slog.Logger) *ContentClient {
	cfg.setDefaults()

	return &ContentClient{
		cl:      newHTTPClient(cfg.RequestTimeout),
		baseURL: cfg.ContentBaseURL,
		log:     log.With(slog.String("item", "ContentClient")),
	}
}

// FetchContent downloads the raw bytes of one item.
func (c *ContentClient) FetchContent(ctx context.Context, itemID, token string) ([]byte, error) {
	u := fmt.Sprintf("%s/items/%s/content", c.baseURL, url.PathEscape(itemID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot build content request: %w", err)
	}

	body, err := do(c.cl, req, token)
	if err != nil {
		return nil, fmt.Errorf("cannot fetch item %s: %w", itemID, err)
	}

	return body, nil
}

// ConvertAndFetch downloads an item whose source type requires format
// conversion before transfer.
func (c *ContentClient) ConvertAndFetch(ctx context.Context, itemID, format, token string) ([]byte, error) {
	u := fmt.Sprintf("%s/items/%s/export?format=%s",
		c.baseURL, url.PathEscape(itemID), url.QueryEscape(format))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot build export request: %w", err)
	}

	body, err := do(c.cl, req, token)
	if err != nil {
		return nil, fmt.Errorf("cannot export item %s as %s: %w", itemID, format, err)
	}

	return body, nil
}
