package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const allVersionKey = "ledger:ver:all"

// StatementCache stores rendered statements in Redis under versioned keys.
// Bumping an account's version orphans every statement built from it.
type StatementCache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewStatementCache instantiates the cache. A nil client disables caching.
func NewStatementCache(client *redis.Client, ttl time.Duration) *StatementCache {
	return &StatementCache{client: client, ttl: ttl}
}

func accountVersionKey(partyType PartyType, partyID int64) string {
	return fmt.Sprintf("ledger:ver:%s:%d", partyType, partyID)
}

func (c *StatementCache) version(ctx context.Context, key string) (int64, error) {
	ver, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return ver, err
}

// StatementKey composes the cache key for a single account statement.
func (c *StatementCache) StatementKey(ctx context.Context, f StatementFilter) (string, error) {
	parts := []string{"ledger", "stmt", string(f.PartyType), strconv.FormatInt(f.PartyID, 10), windowToken(f.From, f.To, f.FinancialYear)}
	if c == nil || c.client == nil {
		return strings.Join(parts, ":"), nil
	}
	ver, err := c.version(ctx, accountVersionKey(f.PartyType, f.PartyID))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", strings.Join(parts, ":"), ver), nil
}

// ConsolidatedKey composes the cache key for a consolidated ledger.
func (c *StatementCache) ConsolidatedKey(ctx context.Context, f ConsolidatedFilter) (string, error) {
	parts := []string{"ledger", "consolidated", string(f.PartyType), windowToken(f.From, f.To, f.FinancialYear)}
	if c == nil || c.client == nil {
		return strings.Join(parts, ":"), nil
	}
	ver, err := c.version(ctx, allVersionKey)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", strings.Join(parts, ":"), ver), nil
}

// FetchJSON loads a cached value or populates it using the loader.
// Concurrent misses on the same key share one loader call. Redis failures
// fall through to the loader; only loader errors are returned.
func (c *StatementCache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("ledger cache: loader required")
	}
	if c == nil || c.client == nil {
		return load(ctx, loader, dest)
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil && json.Unmarshal(payload, dest) == nil {
		return nil
	}
	raw, err, _ := c.group.Do(key, func() (any, error) {
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		_ = c.client.Set(ctx, key, raw, c.ttl).Err()
		return raw, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(raw.([]byte), dest)
}

func load(ctx context.Context, loader func(context.Context) (any, error), dest any) error {
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	return roundTrip(value, dest)
}

// Bump invalidates the statements of one account and every consolidated view.
func (c *StatementCache) Bump(ctx context.Context, partyType PartyType, partyID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	pipe := c.client.TxPipeline()
	pipe.Incr(ctx, accountVersionKey(partyType, partyID))
	pipe.Incr(ctx, allVersionKey)
	_, err := pipe.Exec(ctx)
	return err
}

func roundTrip(value, dest any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

func windowToken(from, to *time.Time, fy *int) string {
	token := func(t *time.Time) string {
		if t == nil {
			return "-"
		}
		return strconv.FormatInt(t.UTC().Unix(), 10)
	}
	year := "-"
	if fy != nil {
		year = strconv.Itoa(*fy)
	}
	return strings.Join([]string{token(from), token(to), year}, "_")
}
