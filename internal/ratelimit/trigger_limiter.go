package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/storeforge/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyBuildTrigger = "build:trigger:store:%s"

var ErrRateLimited = errors.New("rate_limited")

// LimitError is returned when a bucket is empty. It matches ErrRateLimited.
type LimitError struct {
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited, e.RetryAfter)
}

func (e *LimitError) Unwrap() error { return ErrRateLimited }

// TriggerLimiter throttles build triggers per store. It admits everything
// when Redis is not configured.
type TriggerLimiter struct {
	bucket *TokenBucket
	limit  Limit
	log    *zap.Logger
}

type TriggerLimiterParams struct {
	fx.In

	Cfg    config.Config
	Client *redis.Client `optional:"true"`
	Log    *zap.Logger
}

func NewTriggerLimiter(p TriggerLimiterParams) (*TriggerLimiter, error) {
	if p.Client == nil {
		return nil, nil
	}
	limit := Limit{Rate: p.Cfg.RateLimit.BuildTriggerRate, Burst: p.Cfg.RateLimit.BuildTriggerBurst}
	if !limit.valid() {
		return nil, fmt.Errorf("build trigger: %w", ErrInvalidLimit)
	}
	return &TriggerLimiter{
		bucket: NewTokenBucket(p.Client),
		limit:  limit,
		log:    p.Log.Named("ratelimit.trigger"),
	}, nil
}

func (l *TriggerLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

// Allow consumes one trigger token for the store. Redis errors fail open.
func (l *TriggerLimiter) Allow(ctx context.Context, storeID snowflake.ID) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	res, err := l.bucket.Take(ctx, fmt.Sprintf(keyBuildTrigger, storeID), l.limit)
	if err != nil {
		l.log.Warn("build trigger rate limit unavailable", zap.String("store_id", storeID.String()), zap.Error(err))
		return &RateLimitResult{Allowed: true}, nil
	}
	if !res.Allowed {
		return res, &LimitError{RetryAfter: res.RetryAfter}
	}
	return res, nil
}
