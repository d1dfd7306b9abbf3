// Package download runs the batch download pipeline. One batch may run
// at a time process-wide; jobs are deduplicated at submission, executed
// under a bounded concurrency ceiling and retried with backoff. Progress
// is persisted to the durable store so a restarted process reports
// accurate status.
package download

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jgivc/coursepull/internal/common"
	"github.com/jgivc/coursepull/internal/entity"
	"github.com/jgivc/coursepull/internal/metrics"
	"github.com/jgivc/coursepull/internal/ratelimit"
	"github.com/jgivc/coursepull/internal/util"
	"golang.org/x/sync/semaphore"
)

const (
	defaultConcurrency = 5
	defaultMaxAttempts = 3
	defaultBackoffBase = 2 * time.Second
	defaultBackoffMax  = 30 * time.Second
	defaultProgressKey = "download:progress"

	manifestName     = "links.md"
	manifestHTMLName = "links.html"
)

// ContentAPI fetches file bytes from the remote content service.
type ContentAPI interface {
	FetchContent(ctx context.Context, itemID, token string) ([]byte, error)
	ConvertAndFetch(ctx context.Context, itemID, format, token string) ([]byte, error)
}

type Credentials interface {
	GetToken(ctx context.Context, interactive bool) (string, error)
	EnsureValidForBatch(ctx context.Context) error
}

type Limiter interface {
	Acquire(ctx context.Context, priority ratelimit.Priority) error
	Report429(retryAfter string)
	ClearBackoff()
}

type Saver interface {
	NewBatchFolder(prefix string) (string, error)
	Save(folder, name string, data []byte) (string, error)
}

type ManifestBuilder interface {
	Build(batchName string, links []entity.Attachment) ([]byte, []byte, error)
}

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

type Config struct {
	Concurrency int           `yaml:"concurrency"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
	ProgressKey string        `yaml:"progress_key"`
}

func (c *Config) setDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.ProgressKey == "" {
		c.ProgressKey = defaultProgressKey
	}
}

type Orchestrator struct {
	cfg      Config
	content  ContentAPI
	creds    Credentials
	limiter  Limiter
	saver    Saver
	manifest ManifestBuilder
	store    Store
	log      *slog.Logger

	mu       sync.Mutex
	running  bool
	progress entity.BatchProgress

	cancelled atomic.Bool

	// sleep is replaced in tests so retry backoff does not slow them down.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, content ContentAPI, creds Credentials, limiter Limiter,
	saver Saver, manifest ManifestBuilder, store Store, log *slog.Logger) *Orchestrator {
	cfg.setDefaults()

	return &Orchestrator{
		cfg:      cfg,
		content:  content,
		creds:    creds,
		limiter:  limiter,
		saver:    saver,
		manifest: manifest,
		store:    store,
		log:      log.With(slog.String("item", "Orchestrator")),
		sleep:    ctxSleep,
	}
}

// Submit builds the job list for the requested attachment ids and starts
// the batch. Only one batch may run at a time. Submit returns once the
// batch is admitted; the work proceeds asynchronously.
func (o *Orchestrator) Submit(ctx context.Context, requestedIDs []string, col *entity.Collection) error {
	if len(requestedIDs) == 0 {
		return common.ErrNothingSelected
	}

	jobs, links := buildJobs(requestedIDs, col)
	if len(jobs) == 0 && len(links) == 0 {
		return common.ErrNothingMatched
	}

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()

		return common.ErrBatchAlreadyRunning
	}
	o.running = true
	o.mu.Unlock()

	abort := func(err error) error {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()

		return err
	}

	if err := o.creds.EnsureValidForBatch(ctx); err != nil {
		return abort(fmt.Errorf("cannot start batch: %w", err))
	}

	folder, err := o.saver.NewBatchFolder(col.Name)
	if err != nil {
		return abort(fmt.Errorf("cannot create batch folder: %w", err))
	}

	total := len(jobs)
	if len(links) > 0 {
		total++
	}

	o.mu.Lock()
	o.progress = entity.BatchProgress{
		BatchID: uuid.NewString(),
		Total:   total,
		Active:  true,
	}
	o.mu.Unlock()
	o.cancelled.Store(false)
	o.persistProgress(ctx)

	o.log.Info("Batch admitted",
		slog.String("collection", col.ID),
		slog.Int("jobs", len(jobs)),
		slog.Int("links", len(links)))

	// Cancel is a cooperative flag, not a context cancellation, so the
	// loop must not die with the submitter's request context.
	go o.run(context.WithoutCancel(ctx), folder, col.Name, jobs, links)

	return nil
}

// Cancel asks the running batch to stop. In-flight transfers finish;
// no new job is started afterwards.
func (o *Orchestrator) Cancel() {
	o.cancelled.Store(true)
}

// Progress returns a snapshot safe to poll from outside.
func (o *Orchestrator) Progress() entity.BatchProgress {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.progress
}

// LoadProgress reads the last persisted snapshot, for status reporting
// after a restart.
func (o *Orchestrator) LoadProgress(ctx context.Context) (entity.BatchProgress, error) {
	var p entity.BatchProgress

	data, err := o.store.Get(ctx, o.cfg.ProgressKey)
	if err != nil {
		return p, fmt.Errorf("cannot load progress: %w", err)
	}

	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("cannot decode progress: %w", err)
	}

	// A snapshot that still claims active belongs to a process that
	// died mid-batch.
	p.Active = false

	return p, nil
}

func buildJobs(requestedIDs []string, col *entity.Collection) ([]entity.DownloadJob, []entity.Attachment) {
	requested := make(map[string]struct{}, len(requestedIDs))
	for _, id := range requestedIDs {
		requested[id] = struct{}{}
	}

	seen := make(map[string]struct{})
	var jobs []entity.DownloadJob
	var links []entity.Attachment

	for _, rec := range col.Records {
		for _, att := range rec.Attachments {
			if _, ok := requested[att.ID]; !ok {
				continue
			}
			if _, dup := seen[att.ID]; dup {
				continue
			}
			seen[att.ID] = struct{}{}

			if att.IsLink() {
				links = append(links, att)

				continue
			}

			jobs = append(jobs, entity.DownloadJob{
				FileID:      att.ID,
				DisplayName: att.Name,
				Source:      att,
				State:       entity.JobPending,
			})
		}
	}

	return jobs, links
}

func (o *Orchestrator) run(ctx context.Context, folder, batchName string,
	jobs []entity.DownloadJob, links []entity.Attachment) {
	metrics.BatchActive.Set(1)
	defer func() {
		o.mu.Lock()
		o.progress.Active = false
		o.progress.CurrentFile = ""
		o.running = false
		o.mu.Unlock()
		o.persistProgress(ctx)
		metrics.BatchActive.Set(0)

		o.log.Info("Batch finished",
			slog.Int("completed", o.Progress().Completed),
			slog.Int("failed", o.Progress().Failed))
	}()

	sem := semaphore.NewWeighted(int64(o.cfg.Concurrency))
	var wg sync.WaitGroup

	for i := range jobs {
		if o.cancelled.Load() {
			o.log.Info("Batch cancelled", slog.Int("remaining", len(jobs)-i))

			break
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		job := jobs[i]
		o.setCurrentFile(job.DisplayName)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			err := o.runJob(ctx, folder, &job)
			o.settleJob(ctx, job.DisplayName, err)

			if err != nil && common.Classify(err) == common.FailureTerminalBatch {
				o.log.Error("Aborting batch", slog.Any("error", err))
				o.cancelled.Store(true)
			}
		}()
	}

	wg.Wait()

	if len(links) > 0 && !o.cancelled.Load() {
		err := o.writeManifest(folder, batchName, links)
		o.settleJob(ctx, manifestName, err)
	}
}

func (o *Orchestrator) runJob(ctx context.Context, folder string, job *entity.DownloadJob) error {
	job.State = entity.JobActive

	var lastErr error

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		job.Attempts = attempt

		if err := o.limiter.Acquire(ctx, ratelimit.PriorityNormal); err != nil {
			return err
		}

		data, err := o.fetch(ctx, job)
		if err == nil {
			o.limiter.ClearBackoff()

			name := util.SanitizeFilename(job.DisplayName)
			if _, err := o.saver.Save(folder, name, data); err != nil {
				return fmt.Errorf("cannot save %q: %w", name, err)
			}

			job.State = entity.JobSucceeded

			return nil
		}

		lastErr = err

		switch common.Classify(err) {
		case common.FailureThrottled:
			var te *common.ThrottledError
			if errors.As(err, &te) {
				o.limiter.Report429(te.RetryAfter)
			}

			o.log.Warn("Throttled, will retry",
				slog.String("file", job.FileID), slog.Int("attempt", attempt))

		case common.FailureTransient:
			o.log.Warn("Transient failure",
				slog.String("file", job.FileID), slog.Int("attempt", attempt),
				slog.Any("error", err))

			if attempt < o.cfg.MaxAttempts {
				if serr := o.sleep(ctx, o.backoff(attempt)); serr != nil {
					return serr
				}
			}

		default:
			// Terminal for the item or the whole batch, no retry.
			job.State = entity.JobFailed

			return err
		}
	}

	job.State = entity.JobFailed

	return lastErr
}

func (o *Orchestrator) fetch(ctx context.Context, job *entity.DownloadJob) ([]byte, error) {
	token, err := o.creds.GetToken(ctx, false)
	if err != nil {
		return nil, err
	}

	if job.Source.NeedsExport() {
		return o.content.ConvertAndFetch(ctx, job.FileID, job.Source.ExportFormat, token)
	}

	return o.content.FetchContent(ctx, job.FileID, token)
}

func (o *Orchestrator) writeManifest(folder, batchName string, links []entity.Attachment) error {
	md, html, err := o.manifest.Build(batchName, links)
	if err != nil {
		return fmt.Errorf("cannot build manifest: %w", err)
	}

	if _, err := o.saver.Save(folder, manifestName, md); err != nil {
		return fmt.Errorf("cannot save manifest: %w", err)
	}

	if _, err := o.saver.Save(folder, manifestHTMLName, html); err != nil {
		return fmt.Errorf("cannot save manifest html: %w", err)
	}

	return nil
}

// backoff is exponential in the attempt with up to 50% random jitter.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	d := o.cfg.BackoffBase << (attempt - 1)
	if d > o.cfg.BackoffMax {
		d = o.cfg.BackoffMax
	}

	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

func (o *Orchestrator) setCurrentFile(name string) {
	o.mu.Lock()
	o.progress.CurrentFile = name
	o.mu.Unlock()
}

func (o *Orchestrator) settleJob(ctx context.Context, name string, err error) {
	o.mu.Lock()
	if err != nil {
		o.progress.Failed++
	} else {
		o.progress.Completed++
	}
	o.mu.Unlock()

	if err != nil {
		metrics.DownloadsTotal.WithLabelValues("failed").Inc()
		o.log.Error("Job failed", slog.String("file", name), slog.Any("error", err))
	} else {
		metrics.DownloadsTotal.WithLabelValues("succeeded").Inc()
		o.log.Info("Job succeeded", slog.String("file", name))
	}

	o.persistProgress(ctx)
}

func (o *Orchestrator) persistProgress(ctx context.Context) {
	o.mu.Lock()
	p := o.progress
	o.mu.Unlock()

	data, err := json.Marshal(&p)
	if err != nil {
		o.log.Error("Cannot encode progress", slog.Any("error", err))

		return
	}

	if err := o.store.Set(ctx, o.cfg.ProgressKey, data); err != nil {
		o.log.Error("Cannot persist progress", slog.Any("error", err))
	}
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
