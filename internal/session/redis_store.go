package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/identity"
)

// RedisStore keeps sessions as JSON under <prefix>:session:<sid>.
// Temp values live under <prefix>:tmp:<sid>:<key> and their keys are
// tracked in the set <prefix>:tmp:<sid> so ClearTemp can find them.
type RedisStore struct {
	C      *redis.Client
	prefix string
}

func NewRedisStore(url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStoreWithClient(redis.NewClient(opts), prefix), nil
}

func NewRedisStoreWithClient(c *redis.Client, prefix string) *RedisStore {
	return &RedisStore{C: c, prefix: prefix}
}

func (r *RedisStore) sessionKey(sid string) string { return r.prefix + ":session:" + sid }
func (r *RedisStore) tempSet(sid string) string    { return r.prefix + ":tmp:" + sid }
func (r *RedisStore) tempKey(sid, key string) string {
	return r.prefix + ":tmp:" + sid + ":" + key
}
func (r *RedisStore) codeKey(purpose, email string) string {
	return r.prefix + ":code:" + purpose + ":" + email
}

func (r *RedisStore) Put(ctx context.Context, s *identity.Session, ttl time.Duration) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.C.Set(ctx, r.sessionKey(s.ID), b, ttl).Err()
}

func (r *RedisStore) Get(ctx context.Context, sid string) (*identity.Session, error) {
	b, err := r.C.Get(ctx, r.sessionKey(sid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var s identity.Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

func (r *RedisStore) Delete(ctx context.Context, sid string) error {
	if err := r.ClearTemp(ctx, sid); err != nil {
		return err
	}
	return r.C.Del(ctx, r.sessionKey(sid)).Err()
}

func (r *RedisStore) SetTemp(ctx context.Context, sid, key string, value []byte, ttl time.Duration) error {
	pipe := r.C.TxPipeline()
	pipe.Set(ctx, r.tempKey(sid, key), value, ttl)
	pipe.SAdd(ctx, r.tempSet(sid), key)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) GetTemp(ctx context.Context, sid, key string) ([]byte, error) {
	b, err := r.C.Get(ctx, r.tempKey(sid, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, err
}

func (r *RedisStore) DeleteTemp(ctx context.Context, sid, key string) error {
	pipe := r.C.TxPipeline()
	pipe.Del(ctx, r.tempKey(sid, key))
	pipe.SRem(ctx, r.tempSet(sid), key)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) ClearTemp(ctx context.Context, sid string) error {
	keys, err := r.C.SMembers(ctx, r.tempSet(sid)).Result()
	if err != nil {
		return err
	}
	del := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		del = append(del, r.tempKey(sid, k))
	}
	del = append(del, r.tempSet(sid))
	return r.C.Del(ctx, del...).Err()
}

func (r *RedisStore) missKey(purpose, email string) string {
	return r.codeKey(purpose, email) + ":misses"
}

func (r *RedisStore) PutCode(ctx context.Context, purpose, email, code string, ttl time.Duration) error {
	pipe := r.C.TxPipeline()
	pipe.Set(ctx, r.codeKey(purpose, email), hashCode(code), ttl)
	pipe.Del(ctx, r.missKey(purpose, email))
	_, err := pipe.Exec(ctx)
	return err
}

// consumeScript deletes the code when the stored hash matches. A miss
// bumps KEYS[2], which expires with the code, and the code is dropped once
// the count reaches ARGV[2].
var consumeScript = redis.NewScript(`
local stored = redis.call("GET", KEYS[1])
if not stored then
	return 0
end
if stored == ARGV[1] then
	redis.call("DEL", KEYS[1], KEYS[2])
	return 1
end
local misses = redis.call("INCR", KEYS[2])
if misses == 1 then
	local ttl = redis.call("PTTL", KEYS[1])
	if ttl < 0 then
		ttl = 900000
	end
	redis.call("PEXPIRE", KEYS[2], ttl)
end
if misses >= tonumber(ARGV[2]) then
	redis.call("DEL", KEYS[1], KEYS[2])
end
return 0
`)

func (r *RedisStore) ConsumeCode(ctx context.Context, purpose, email, code string) error {
	keys := []string{r.codeKey(purpose, email), r.missKey(purpose, email)}
	n, err := consumeScript.Run(ctx, r.C, keys, hashCode(code), MaxCodeAttempts).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoCode
	}
	return nil
}

func (r *RedisStore) Ping(ctx context.Context) error { return r.C.Ping(ctx).Err() }
func (r *RedisStore) Close() error                   { return r.C.Close() }
