package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jgivc/coursepull/internal/cache"
	"github.com/jgivc/coursepull/internal/common"
	"github.com/jgivc/coursepull/internal/entity"
	"github.com/jgivc/coursepull/internal/ratelimit"
)

type CatalogService interface {
	GetCollection(ctx context.Context, id string, force bool) (*entity.Collection, error)
}

type DownloadService interface {
	Submit(ctx context.Context, requestedIDs []string, col *entity.Collection) error
	Cancel()
	Progress() entity.BatchProgress
}

type CacheStats interface {
	Stats(ctx context.Context) (cache.Stats, error)
}

type LimiterStats interface {
	Stats() ratelimit.Stats
}

func NewCollectionHandler(srv CatalogService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "CollectionHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			http.Error(w, "Bad request", http.StatusBadRequest)

			return
		}

		force := r.URL.Query().Get("refresh") == "1"

		col, err := srv.GetCollection(r.Context(), id, force)
		if err != nil {
			log.Error("Cannot get collection", slog.String("id", id), slog.Any("error", err))

			switch {
			case errors.Is(err, common.ErrCollectionNotFound):
				http.Error(w, "Collection not found", http.StatusNotFound)
			case common.Classify(err) == common.FailureThrottled:
				http.Error(w, "Remote is throttling", http.StatusServiceUnavailable)
			default:
				http.Error(w, "Cannot get collection", http.StatusInternalServerError)
			}

			return
		}

		writeJSON(w, col, log)
	}
}

type submitRequest struct {
	CollectionID string   `json:"collection_id"`
	ItemIDs      []string `json:"item_ids"`
}

func NewSubmitHandler(catalog CatalogService, downloads DownloadService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "SubmitHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CollectionID == "" {
			http.Error(w, "Bad request", http.StatusBadRequest)

			return
		}

		col, err := catalog.GetCollection(r.Context(), req.CollectionID, false)
		if err != nil {
			log.Error("Cannot resolve collection",
				slog.String("id", req.CollectionID), slog.Any("error", err))

			switch {
			case errors.Is(err, common.ErrCollectionNotFound):
				http.Error(w, "Collection not found", http.StatusNotFound)
			default:
				http.Error(w, "Cannot resolve collection", http.StatusInternalServerError)
			}

			return
		}

		if err := downloads.Submit(r.Context(), req.ItemIDs, col); err != nil {
			log.Error("Cannot submit batch", slog.Any("error", err))

			switch {
			case errors.Is(err, common.ErrBatchAlreadyRunning):
				http.Error(w, "A batch is already running", http.StatusConflict)
			case errors.Is(err, common.ErrNothingSelected):
				http.Error(w, "No items selected", http.StatusBadRequest)
			case errors.Is(err, common.ErrNothingMatched):
				http.Error(w, "No items matched the selection", http.StatusBadRequest)
			case errors.Is(err, common.ErrNoCredential):
				http.Error(w, "No valid credential", http.StatusUnauthorized)
			default:
				http.Error(w, "Cannot submit batch", http.StatusInternalServerError)
			}

			return
		}

		w.WriteHeader(http.StatusAccepted)
		writeJSON(w, downloads.Progress(), log)
	}
}

func NewCancelHandler(downloads DownloadService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "CancelHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		downloads.Cancel()
		log.Info("Batch cancellation requested")

		writeJSON(w, downloads.Progress(), log)
	}
}

func NewProgressHandler(downloads DownloadService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "ProgressHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, downloads.Progress(), log)
	}
}

func NewStatsHandler(cacheStats CacheStats, limiterStats LimiterStats, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "StatsHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		cs, err := cacheStats.Stats(r.Context())
		if err != nil {
			log.Error("Cannot read cache stats", slog.Any("error", err))
			http.Error(w, "Cannot read stats", http.StatusInternalServerError)

			return
		}

		writeJSON(w, map[string]any{
			"cache":        cs,
			"rate_limiter": limiterStats.Stats(),
		}, log)
	}
}

func writeJSON(w http.ResponseWriter, v any, log *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("Cannot encode response", slog.Any("error", err))
	}
}
