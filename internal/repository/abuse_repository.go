package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/iam-gate-api/internal/models"
)

// incrWindow bumps a counter and arms its expiry on the first hit. A counter
// found without a TTL is re-armed so no key outlives its window forever.
var incrWindow = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 or redis.call('PTTL', KEYS[1]) < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// AbuseRepository keeps failure counters, block records and per-IP username
// sets in redis. Every key it writes carries an expiry.
type AbuseRepository struct {
	client *redis.Client
	prefix string
}

// NewAbuseRepository constructs an abuse repository using prefix for all keys.
func NewAbuseRepository(client *redis.Client, prefix string) *AbuseRepository {
	if prefix == "" {
		prefix = "bf"
	}
	return &AbuseRepository{client: client, prefix: strings.TrimSuffix(prefix, ":")}
}

// NormalizePrincipal canonicalises a login identifier for use in keys.
func NormalizePrincipal(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *AbuseRepository) counterKey(scope models.BlockScope, key string) string {
	if scope == models.BlockScopeIP {
		return fmt.Sprintf("%s:ip:%s", r.prefix, key)
	}
	return fmt.Sprintf("%s:user:%s", r.prefix, NormalizePrincipal(key))
}

func (r *AbuseRepository) blockKey(scope models.BlockScope, key string) string {
	return r.counterKey(scope, key) + ":blocked"
}

func (r *AbuseRepository) scatterKey(ip string) string {
	return fmt.Sprintf("%s:ip:userset:%s", r.prefix, ip)
}

// IncrCounter increments the scoped failure counter. The window starts at the
// first failure and is not extended by later ones.
func (r *AbuseRepository) IncrCounter(ctx context.Context, scope models.BlockScope, key string, window time.Duration) (int64, error) {
	n, err := incrWindow.Run(ctx, r.client, []string{r.counterKey(scope, key)}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s counter: %w", scope, err)
	}
	return n, nil
}

// Counter returns the current failure count, zero when absent.
func (r *AbuseRepository) Counter(ctx context.Context, scope models.BlockScope, key string) (int64, error) {
	raw, err := r.client.Get(ctx, r.counterKey(scope, key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis get %s counter: %w", scope, err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s counter: %w", scope, err)
	}
	return n, nil
}

// ResetCounters drops the principal and IP counters in one round trip.
func (r *AbuseRepository) ResetCounters(ctx context.Context, principal, ip string) error {
	if err := r.client.Del(ctx, r.counterKey(models.BlockScopePrincipal, principal), r.counterKey(models.BlockScopeIP, ip)).Err(); err != nil {
		return fmt.Errorf("redis reset counters: %w", err)
	}
	return nil
}

// Block writes a block record; rewriting an existing one only refreshes it.
func (r *AbuseRepository) Block(ctx context.Context, scope models.BlockScope, key, reason string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.blockKey(scope, key), reason, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s block: %w", scope, err)
	}
	return nil
}

// BlockStates reads the principal and IP block records in one pipeline.
func (r *AbuseRepository) BlockStates(ctx context.Context, principal, ip string) (models.BlockRecord, models.BlockRecord, error) {
	pipe := r.client.Pipeline()
	userReason := pipe.Get(ctx, r.blockKey(models.BlockScopePrincipal, principal))
	userTTL := pipe.PTTL(ctx, r.blockKey(models.BlockScopePrincipal, principal))
	ipReason := pipe.Get(ctx, r.blockKey(models.BlockScopeIP, ip))
	ipTTL := pipe.PTTL(ctx, r.blockKey(models.BlockScopeIP, ip))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return models.BlockRecord{}, models.BlockRecord{}, fmt.Errorf("redis read blocks: %w", err)
	}
	return models.BlockRecord{Reason: userReason.Val(), TTL: userTTL.Val()},
		models.BlockRecord{Reason: ipReason.Val(), TTL: ipTTL.Val()}, nil
}

// BlockState reads a single block record.
func (r *AbuseRepository) BlockState(ctx context.Context, scope models.BlockScope, key string) (models.BlockRecord, error) {
	pipe := r.client.Pipeline()
	reason := pipe.Get(ctx, r.blockKey(scope, key))
	ttl := pipe.PTTL(ctx, r.blockKey(scope, key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return models.BlockRecord{}, fmt.Errorf("redis read %s block: %w", scope, err)
	}
	return models.BlockRecord{Reason: reason.Val(), TTL: ttl.Val()}, nil
}

// Unblock removes a block record and its counter. For IPs the username set
// goes too, otherwise the next failure would re-block immediately.
func (r *AbuseRepository) Unblock(ctx context.Context, scope models.BlockScope, key string) error {
	keys := []string{r.blockKey(scope, key), r.counterKey(scope, key)}
	if scope == models.BlockScopeIP {
		keys = append(keys, r.scatterKey(key))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis unblock %s: %w", scope, err)
	}
	return nil
}

// AddScatter records that ip attempted principal and returns the number of
// distinct principals seen. Each insert pushes the set's expiry forward.
func (r *AbuseRepository) AddScatter(ctx context.Context, ip, principal string, window time.Duration) (int64, error) {
	key := r.scatterKey(ip)
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, key, NormalizePrincipal(principal))
	pipe.PExpire(ctx, key, window)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis add scatter: %w", err)
	}
	return card.Val(), nil
}

// ScatterSize returns the number of distinct principals attempted from ip.
func (r *AbuseRepository) ScatterSize(ctx context.Context, ip string) (int64, error) {
	n, err := r.client.SCard(ctx, r.scatterKey(ip)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis scard: %w", err)
	}
	return n, nil
}

// Ping checks connectivity for readiness probes.
func (r *AbuseRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
