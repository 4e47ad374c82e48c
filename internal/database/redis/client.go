// Package redis provides the Redis client used for wallet locks, status caching
// and cycle counters.
package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/lightmine/pkg/errors"
)

// Client wraps Redis operations for lightmine
type Client struct {
	rdb   *redis.Client
	owner string

	// wallet -> token of locks held by this client
	mu    sync.Mutex
	locks map[string]string
}

// Config holds Redis connection configuration
type Config struct {
	URL          string
	PoolSize     int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns conservative connection settings for url.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:          url,
		PoolSize:     8,
		MaxRetries:   2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewClient parses the URL, connects and pings Redis
func NewClient(cfg *Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfiguration, "redis_parse_url", "invalid Redis URL")
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.MaxRetries = cfg.MaxRetries
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeStorage, "redis_ping", "failed to ping Redis")
	}

	return newClient(rdb), nil
}

func newClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb, owner: randomToken(), locks: make(map[string]string)}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Wallet locks

func lockKey(wallet string) string {
	return "lock:wallet:" + wallet
}

// unlockScript deletes the key only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TryLock claims a wallet for ttl. It returns false when another holder owns it.
func (c *Client) TryLock(ctx context.Context, wallet string, ttl time.Duration) (bool, error) {
	token := c.owner + ":" + randomToken()
	ok, err := c.rdb.SetNX(ctx, lockKey(wallet), token, ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeStorage, "redis_lock", "failed to acquire wallet lock").
			WithContext("wallet", wallet)
	}
	if !ok {
		return false, nil
	}

	c.mu.Lock()
	c.locks[wallet] = token
	c.mu.Unlock()
	return true, nil
}

// Unlock releases a lock taken by this client. Locks that expired or were
// never held are left alone.
func (c *Client) Unlock(ctx context.Context, wallet string) error {
	c.mu.Lock()
	token, ok := c.locks[wallet]
	delete(c.locks, wallet)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if err := unlockScript.Run(ctx, c.rdb, []string{lockKey(wallet)}, token).Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "redis_unlock", "failed to release wallet lock").
			WithContext("wallet", wallet)
	}
	return nil
}

// Wallet status cache

// WalletStatus is the last known state of a wallet.
type WalletStatus struct {
	State        string    `json:"state"`
	Cycle        int64     `json:"cycle"`
	LastMined    time.Time `json:"last_mined,omitzero"`
	NextEligible time.Time `json:"next_eligible,omitzero"`
	TxHash       string    `json:"tx_hash,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func statusKey(wallet string) string {
	return "status:" + wallet
}

// SetWalletStatus caches a wallet's status for expiration
func (c *Client) SetWalletStatus(ctx context.Context, wallet string, status *WalletStatus, expiration time.Duration) error {
	return c.SetCache(ctx, statusKey(wallet), status, expiration)
}

// GetWalletStatus returns the cached status, or nil when none is cached
func (c *Client) GetWalletStatus(ctx context.Context, wallet string) (*WalletStatus, error) {
	var status WalletStatus
	if err := c.GetCache(ctx, statusKey(wallet), &status); err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	return &status, nil
}

// Counters

// IncrementCounter increments a counter with expiration
func (c *Client) IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "redis_incr", "failed to increment counter").
			WithContext("key", key)
	}

	return incr.Val(), nil
}

// GetCounter gets a counter value, zero when unset
func (c *Client) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "redis_get_counter", "failed to get counter")
	}

	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeStorage, "redis_get_counter", "counter is not an integer").
			WithContext("key", key)
	}
	return n, nil
}

// DailyCounterKey names the per-day counter for a state.
func DailyCounterKey(state string, day time.Time) string {
	return fmt.Sprintf("counter:%s:%s", state, day.UTC().Format("2006-01-02"))
}

// Generic cache

// SetCache stores JSON-encoded data with expiration
func (c *Client) SetCache(ctx context.Context, key string, data any, expiration time.Duration) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "redis_set_cache", "failed to marshal cache data")
	}

	if err := c.rdb.Set(ctx, "cache:"+key, jsonData, expiration).Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "redis_set_cache", "failed to set cache").
			WithContext("key", key)
	}

	return nil
}

// GetCache decodes cached data into dest. A miss returns redis.Nil unwrapped.
func (c *Client) GetCache(ctx context.Context, key string, dest any) error {
	data, err := c.rdb.Get(ctx, "cache:"+key).Result()
	if err == redis.Nil {
		return err
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, "redis_get_cache", "failed to get cache").
			WithContext("key", key)
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "redis_get_cache", "failed to unmarshal cache data")
	}

	return nil
}

// DeleteCache removes cached data
func (c *Client) DeleteCache(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, "cache:"+key).Err()
}

func randomToken() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
