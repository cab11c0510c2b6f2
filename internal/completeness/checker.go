package completeness

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ovaphlow/pitchfork/service-account-go/pkg/database"
)

type Config struct {
	// Interval is the minimum gap between two non-forced checks for one user,
	// less a tenth of slack so a caller re-checking every Interval is never
	// throttled by scheduling jitter.
	Interval time.Duration
}

func ConfigFromEnv() Config {
	cfg := Config{Interval: 5 * time.Minute}
	if d, err := time.ParseDuration(os.Getenv("COMPLETENESS_INTERVAL")); err == nil && d > 0 {
		cfg.Interval = d
	}
	return cfg
}

// ExistenceChecker answers whether a user's row is present. A missing row
// is (false, nil), never an error.
type ExistenceChecker interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// Checker runs the four existence queries and throttles repeat checks.
type Checker struct {
	sources  map[Table]ExistenceChecker
	interval time.Duration
	clock    clockwork.Clock
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	ran     map[string]time.Time
	results map[string]Result
	swept   time.Time
}

func NewChecker(cfg Config, sources map[Table]ExistenceChecker, clock clockwork.Clock, logger *zap.SugaredLogger) *Checker {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Checker{
		sources:  sources,
		interval: cfg.Interval,
		clock:    clock,
		logger:   logger,
		ran:      map[string]time.Time{},
		results:  map[string]Result{},
	}
}

func (c *Checker) window() time.Duration {
	return c.interval - c.interval/10
}

// Check queries the existence of every per-user row concurrently. A
// non-forced call within the throttle window of the previous batch for the
// same user returns the cached result marked Throttled and issues no
// queries. force bypasses the throttle.
func (c *Checker) Check(ctx context.Context, userID string, force bool) Result {
	now := c.clock.Now()
	c.mu.Lock()
	c.sweepLocked(now)
	if last, ok := c.ran[userID]; ok && !force && now.Sub(last) < c.window() {
		res, ok := c.results[userID]
		if !ok {
			// a batch for this user is still in flight
			res = Result{UserID: userID, CheckedAt: last}
		}
		c.mu.Unlock()
		res.Throttled = true
		res.ActionTaken = ActionThrottled
		res.Steps = nil
		return res
	}
	c.ran[userID] = now
	delete(c.results, userID)
	c.mu.Unlock()

	exists := make([]bool, len(Tables))
	errs := make([]error, len(Tables))
	var g errgroup.Group
	for i, t := range Tables {
		src, ok := c.sources[t]
		if !ok {
			continue
		}
		g.Go(func() error {
			exists[i], errs[i] = src.Exists(ctx, userID)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{UserID: userID, CheckedAt: now}
	for i, t := range Tables {
		if errs[i] != nil {
			code := database.Code(errs[i])
			c.logger.Warnw("existence check failed", "user_id", userID, "table", t, "code", code, "err", errs[i])
			res.Failed = append(res.Failed, TableError{Table: t, Code: code, Error: errs[i].Error()})
			continue
		}
		res.set(t, exists[i])
	}
	return res
}

// sweepLocked drops throttle entries that can no longer throttle anything.
// It runs at most once per Interval.
func (c *Checker) sweepLocked(now time.Time) {
	if now.Sub(c.swept) < c.interval {
		return
	}
	c.swept = now
	for id, last := range c.ran {
		if now.Sub(last) >= c.window() {
			delete(c.ran, id)
			delete(c.results, id)
		}
	}
}

// Len reports how many users currently have a throttle entry.
func (c *Checker) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ran)
}

// Remember caches res as the answer for throttled calls.
func (c *Checker) Remember(res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ran[res.UserID]; ok {
		c.results[res.UserID] = res
	}
}

// Forget drops the throttle entry so the next call queries again.
func (c *Checker) Forget(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ran, userID)
	delete(c.results, userID)
}
