// Package credential supplies a valid bearer credential to the other
// components, refreshing it proactively and resolving concurrent
// refresh attempts through a lock in the durable store, because the
// process itself may restart mid-refresh.
package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jgivc/coursepull/internal/common"
	"github.com/jgivc/coursepull/internal/entity"
	"github.com/jgivc/coursepull/internal/repository/kvstore"
)

const (
	keyToken = "token"
	keyLock  = "refresh_lock"

	keySeparator = ":"

	scheduleName   = "credential-refresh"
	refreshTimeout = 2 * time.Minute
)

// Provider is the opaque credential provider. Interactive requests may
// surface a user-visible prompt.
type Provider interface {
	RequestToken(ctx context.Context, interactive bool) (string, error)
	// RevokeToken is best-effort; failures do not abort a refresh.
	RevokeToken(ctx context.Context, token string) error
	// RemainingLifetime introspects how long the token stays valid.
	RemainingLifetime(ctx context.Context, token string) (time.Duration, error)
}

// Scheduler fires a callback at a fixed interval even if the host
// process was dormant in between.
type Scheduler interface {
	ScheduleRecurring(name string, interval time.Duration, fn func())
}

type Config struct {
	TokenLifetime    time.Duration `yaml:"token_lifetime"`     // assumed provider token lifetime
	ExpiryBuffer     time.Duration `yaml:"expiry_buffer"`      // renew this early
	RefreshInterval  time.Duration `yaml:"refresh_interval"`   // proactive refresh period
	MinBatchLifetime time.Duration `yaml:"min_batch_lifetime"` // pre-flight threshold
	LockWait         time.Duration `yaml:"lock_wait"`          // bounded total lock wait
	LockPoll         time.Duration `yaml:"lock_poll"`
	LockStale        time.Duration `yaml:"lock_stale"` // older locks are seized
	KeyPrefix        string        `yaml:"key_prefix"`
}

func (c *Config) setDefaults() {
	if c.TokenLifetime <= 0 {
		c.TokenLifetime = time.Hour
	}
	if c.ExpiryBuffer <= 0 {
		c.ExpiryBuffer = 5 * time.Minute
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = 50 * time.Minute
	}
	if c.MinBatchLifetime <= 0 {
		c.MinBatchLifetime = 10 * time.Minute
	}
	if c.LockWait <= 0 {
		c.LockWait = 15 * time.Second
	}
	if c.LockPoll <= 0 {
		c.LockPoll = 500 * time.Millisecond
	}
	if c.LockStale <= 0 {
		c.LockStale = 10 * time.Second
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "auth"
	}
}

type Manager struct {
	store kvstore.Store
	prov  Provider
	cfg   Config
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	log   *slog.Logger
}

func New(store kvstore.Store, prov Provider, cfg Config, log *slog.Logger) *Manager {
	cfg.setDefaults()

	return &Manager{
		store: store,
		prov:  prov,
		cfg:   cfg,
		now:   time.Now,
		sleep: ctxSleep,
		log:   log.With(slog.String("item", "CredentialManager")),
	}
}

// GetToken returns the cached credential while it is believed
// unexpired (younger than the assumed lifetime minus the safety
// buffer), otherwise it requests a fresh one from the provider.
func (m *Manager) GetToken(ctx context.Context, interactive bool) (string, error) {
	rec, err := m.loadToken(ctx)
	if err != nil {
		return "", err
	}

	if rec != nil && m.now().Sub(rec.IssuedAt) < m.cfg.TokenLifetime-m.cfg.ExpiryBuffer {
		return rec.Token, nil
	}

	return m.requestAndStore(ctx, interactive)
}

// Refresh forces renewal. If another refresh holds the lock, it waits
// briefly and returns whatever credential is current instead of
// starting a redundant one.
func (m *Manager) Refresh(ctx context.Context, interactive bool) (string, error) {
	owner, acquired, err := m.acquireLock(ctx)
	if err != nil {
		return "", err
	}

	if !acquired {
		m.log.Info("Refresh lock held elsewhere, reusing current credential")

		if err := m.sleep(ctx, m.cfg.LockPoll); err != nil {
			return "", err
		}

		rec, err := m.loadToken(ctx)
		if err != nil {
			return "", err
		}
		if rec == nil {
			return "", common.ErrNoCredential
		}

		return rec.Token, nil
	}

	defer m.releaseLock(context.WithoutCancel(ctx), owner)

	if old, err := m.loadToken(ctx); err == nil && old != nil {
		if err := m.prov.RevokeToken(ctx, old.Token); err != nil {
			m.log.Warn("Cannot revoke previous credential", slog.Any("error", err))
		}
	}

	return m.requestAndStore(ctx, interactive)
}

// EnsureValidForBatch is the pre-flight check before starting a
// download batch: if less than MinBatchLifetime remains, it forces an
// interactive refresh so a long batch does not fail midway.
func (m *Manager) EnsureValidForBatch(ctx context.Context) error {
	token, err := m.GetToken(ctx, false)
	if err != nil {
		return fmt.Errorf("cannot obtain credential for batch: %w", err)
	}

	remaining, err := m.prov.RemainingLifetime(ctx, token)
	if err != nil {
		m.log.Warn("Cannot introspect credential lifetime, forcing refresh", slog.Any("error", err))
		remaining = 0
	}

	if remaining < m.cfg.MinBatchLifetime {
		if _, err := m.Refresh(ctx, true); err != nil {
			return fmt.Errorf("cannot refresh credential for batch: %w", err)
		}
	}

	return nil
}

// StartProactiveRefresh schedules the recurring non-interactive
// refresh. Failures are logged and swallowed so they never surface to
// unrelated callers.
func (m *Manager) StartProactiveRefresh(sched Scheduler) {
	sched.ScheduleRecurring(scheduleName, m.cfg.RefreshInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()

		if _, err := m.Refresh(ctx, false); err != nil {
			m.log.Warn("Proactive refresh failed", slog.Any("error", err))
		}
	})
}

func (m *Manager) requestAndStore(ctx context.Context, interactive bool) (string, error) {
	token, err := m.prov.RequestToken(ctx, interactive)
	if err != nil {
		return "", fmt.Errorf("cannot request credential: %w", err)
	}

	rec := entity.TokenRecord{Token: token, IssuedAt: m.now()}
	data, err := json.Marshal(&rec)
	if err != nil {
		return "", fmt.Errorf("cannot encode credential: %w", err)
	}

	if err := m.store.Set(ctx, m.tokenKey(), data); err != nil {
		return "", fmt.Errorf("cannot persist credential: %w", err)
	}

	m.log.Info("Credential renewed", slog.Bool("interactive", interactive))

	return token, nil
}

func (m *Manager) loadToken(ctx context.Context) (*entity.TokenRecord, error) {
	data, err := m.store.Get(ctx, m.tokenKey())
	if err != nil {
		if errors.Is(err, common.ErrKeyNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("cannot load credential: %w", err)
	}

	var rec entity.TokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("cannot decode credential: %w", err)
	}

	return &rec, nil
}

// acquireLock loops with a bounded total wait, seizing locks older than
// the staleness threshold. The owner nonce is minted per invocation so
// two callers on the same Manager contend exactly like callers in two
// processes; ownership is verified by re-reading after a tentative
// write to resolve simultaneous writers.
func (m *Manager) acquireLock(ctx context.Context) (string, bool, error) {
	owner := uuid.NewString()
	deadline := m.now().Add(m.cfg.LockWait)

	for {
		rec := entity.LockRecord{OwnerID: owner, AcquiredAt: m.now()}
		data, err := json.Marshal(&rec)
		if err != nil {
			return "", false, fmt.Errorf("cannot encode lock: %w", err)
		}

		written, err := m.store.SetNX(ctx, m.lockKey(), data)
		if err != nil {
			return "", false, fmt.Errorf("cannot write lock: %w", err)
		}

		if !written {
			existing, err := m.loadLock(ctx)
			if err != nil {
				return "", false, err
			}

			if existing != nil && existing.OwnerID != owner {
				if !existing.Stale(m.now(), m.cfg.LockStale) {
					// A live refresh is in flight elsewhere.
					return "", false, nil
				}

				m.log.Warn("Seizing stale refresh lock",
					slog.String("owner_id", existing.OwnerID),
					slog.Time("acquired_at", existing.AcquiredAt))

				if err := m.store.Set(ctx, m.lockKey(), data); err != nil {
					return "", false, fmt.Errorf("cannot seize lock: %w", err)
				}
			}
		}

		current, err := m.loadLock(ctx)
		if err != nil {
			return "", false, err
		}
		if current != nil && current.OwnerID == owner {
			return owner, true, nil
		}

		if m.now().After(deadline) {
			return "", false, nil
		}

		if err := m.sleep(ctx, m.cfg.LockPoll); err != nil {
			return "", false, err
		}
	}
}

func (m *Manager) releaseLock(ctx context.Context, owner string) {
	current, err := m.loadLock(ctx)
	if err != nil || current == nil || current.OwnerID != owner {
		return
	}

	if err := m.store.Remove(ctx, m.lockKey()); err != nil {
		m.log.Warn("Cannot release refresh lock", slog.Any("error", err))
	}
}

func (m *Manager) loadLock(ctx context.Context) (*entity.LockRecord, error) {
	data, err := m.store.Get(ctx, m.lockKey())
	if err != nil {
		if errors.Is(err, common.ErrKeyNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("cannot load lock: %w", err)
	}

	var rec entity.LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("cannot decode lock: %w", err)
	}

	return &rec, nil
}

func (m *Manager) tokenKey() string {
	return m.cfg.KeyPrefix + keySeparator + keyToken
}

func (m *Manager) lockKey() string {
	return m.cfg.KeyPrefix + keySeparator + keyLock
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
