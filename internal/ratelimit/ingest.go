// Package ratelimit throttles usage ingest per agency with a redis-backed
// token bucket. Disabled limiters allow everything, so callers never branch
// on configuration.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"github.com/agencyos/metering/internal/config"
	"github.com/agencyos/metering/internal/scope"
)

const keyIngestAgency = "usage:ingest:agency:%s"

type IngestLimiter struct {
	enabled bool

	bucket *TokenBucket

	agencyRate  float64
	agencyBurst int
}

func NewIngestLimiter(cfg config.Config) (*IngestLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.AgencyRate <= 0 || limitCfg.AgencyBurst <= 0 {
		return nil, errors.New("agency rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &IngestLimiter{
		enabled:     true,
		bucket:      NewTokenBucket(client),
		agencyRate:  limitCfg.AgencyRate,
		agencyBurst: limitCfg.AgencyBurst,
	}, nil
}

func (l *IngestLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowAgency consumes one ingest token for the scope's agency.
func (l *IngestLimiter) AllowAgency(ctx context.Context, sc scope.Scope) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	key := fmt.Sprintf(keyIngestAgency, sc.AgencyID().String())
	return l.bucket.Allow(ctx, key, l.agencyRate, l.agencyBurst)
}
