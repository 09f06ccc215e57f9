// Package ratelimit throttles the public license endpoints with a
// redis token bucket. Disabled entirely when no redis address is
// configured, so single-node deployments pay nothing.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/keymint/keymint/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyVerifyLicense   = "license:verify:%s"
	keyActivateLicense = "license:activate:%s"
	keyActivationLock  = "license:activation:lock:%s:%s"
)

type LicenseLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	verifyRate    float64
	verifyBurst   int
	activateRate  float64
	activateBurst int
	lockTTL       time.Duration
}

func NewLicenseLimiter(cfg config.Config) (*LicenseLimiter, error) {
	if !cfg.RateLimitEnabled {
		return nil, nil
	}

	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if cfg.VerifyRate <= 0 || cfg.VerifyBurst <= 0 {
		return nil, errors.New("verify rate limit must be positive")
	}
	if cfg.ActivateRate <= 0 || cfg.ActivateBurst <= 0 {
		return nil, errors.New("activate rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})

	return &LicenseLimiter{
		enabled:       true,
		bucket:        NewTokenBucket(client),
		locker:        NewLocker(client),
		verifyRate:    cfg.VerifyRate,
		verifyBurst:   cfg.VerifyBurst,
		activateRate:  cfg.ActivateRate,
		activateBurst: cfg.ActivateBurst,
		lockTTL:       time.Duration(cfg.ActivationLockTTL) * time.Second,
	}, nil
}

func (l *LicenseLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowVerify throttles validation traffic per license key.
func (l *LicenseLimiter) AllowVerify(ctx context.Context, key string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyVerifyLicense, strings.TrimSpace(key)), l.verifyRate, l.verifyBurst)
}

// AllowActivate throttles activation traffic per license key.
func (l *LicenseLimiter) AllowActivate(ctx context.Context, key string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyActivateLicense, strings.TrimSpace(key)), l.activateRate, l.activateBurst)
}

// TryLockActivation serializes concurrent activations for the same
// key and fingerprint across instances.
func (l *LicenseLimiter) TryLockActivation(ctx context.Context, key, fingerprint string) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	lockKey := fmt.Sprintf(keyActivationLock, strings.TrimSpace(key), strings.TrimSpace(fingerprint))
	return l.locker.TryLock(ctx, lockKey, l.lockTTL)
}

func (l *LicenseLimiter) ReleaseActivation(ctx context.Context, key, fingerprint, token string) error {
	if !l.Enabled() {
		return nil
	}
	lockKey := fmt.Sprintf(keyActivationLock, strings.TrimSpace(key), strings.TrimSpace(fingerprint))
	return l.locker.Release(ctx, lockKey, token)
}
