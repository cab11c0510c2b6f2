// Package session keeps authenticated sessions, per-session temporary
// storage and one-time codes.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"os"
	"time"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/identity"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrNoCode   = errors.New("code not found or expired")
)

// MaxCodeAttempts is the number of wrong guesses after which a stored code
// is discarded.
const MaxCodeAttempts = 5

// Store is the session store contract. Delete must also drop the session's
// temporary storage.
type Store interface {
	Put(ctx context.Context, s *identity.Session, ttl time.Duration) error
	Get(ctx context.Context, sid string) (*identity.Session, error)
	Delete(ctx context.Context, sid string) error

	SetTemp(ctx context.Context, sid, key string, value []byte, ttl time.Duration) error
	GetTemp(ctx context.Context, sid, key string) ([]byte, error)
	DeleteTemp(ctx context.Context, sid, key string) error
	ClearTemp(ctx context.Context, sid string) error

	// PutCode stores a one-time code for (purpose, email); a new code
	// replaces the previous one.
	PutCode(ctx context.Context, purpose, email, code string, ttl time.Duration) error
	// ConsumeCode succeeds at most once per stored code. After
	// MaxCodeAttempts wrong guesses the code is discarded.
	ConsumeCode(ctx context.Context, purpose, email, code string) error
	Ping(ctx context.Context) error
	Close() error
}

type Config struct {
	RedisURL   string
	KeyPrefix  string
	SessionTTL time.Duration
}

func ConfigFromEnv() Config {
	ttl := 30 * 24 * time.Hour
	if v := os.Getenv("SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			ttl = d
		}
	}
	prefix := os.Getenv("SESSION_KEY_PREFIX")
	if prefix == "" {
		prefix = "acct"
	}
	return Config{RedisURL: os.Getenv("REDIS_URL"), KeyPrefix: prefix, SessionTTL: ttl}
}

// New returns a Redis store when a URL is configured, otherwise an
// in-process store.
func New(cfg Config) (Store, error) {
	if cfg.RedisURL == "" {
		return NewMemoryStore(), nil
	}
	return NewRedisStore(cfg.RedisURL, cfg.KeyPrefix)
}

func hashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
