// Package keygen produces unique license key strings from a
// cryptographically secure random source.
package keygen

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// Format selects the shape of generated keys.
type Format string

const (
	// FormatSegmented produces keys like 7F3K-Q09K-XKZ2-M4BP.
	FormatSegmented Format = "segmented"
	// FormatUUID produces RFC 4122 v4 UUIDs.
	FormatUUID Format = "uuid"
	// FormatPattern fills a caller-supplied template where every 'X'
	// becomes a random character and all other runes pass through.
	FormatPattern Format = "pattern"
)

const (
	keyAlphabet     = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	segmentedGroups = 4
	segmentedWidth  = 4
	maxAttempts     = 5
)

var (
	ErrUnknownFormat       = errors.New("unknown_key_format")
	ErrEmptyPattern        = errors.New("empty_key_pattern")
	ErrGenerationExhausted = errors.New("key_generation_exhausted")
)

// ExistsFunc reports whether a candidate key is already taken.
type ExistsFunc func(ctx context.Context, key string) (bool, error)

// Generator computes license key strings. Persistence is the caller's
// responsibility; Generate has no side effects.
type Generator struct {
	exists ExistsFunc
}

func New(exists ExistsFunc) *Generator {
	return &Generator{exists: exists}
}

// Generate returns a fresh key in the requested format. Candidates
// colliding with existing keys are retried up to maxAttempts times
// before failing with ErrGenerationExhausted.
func (g *Generator) Generate(ctx context.Context, format Format, pattern string) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		key, err := g.candidate(format, pattern)
		if err != nil {
			return "", err
		}

		if g.exists == nil {
			return key, nil
		}
		taken, err := g.exists(ctx, key)
		if err != nil {
			return "", fmt.Errorf("check key collision: %w", err)
		}
		if !taken {
			return key, nil
		}
	}
	return "", ErrGenerationExhausted
}

func (g *Generator) candidate(format Format, pattern string) (string, error) {
	switch format {
	case FormatSegmented:
		return randomSegmented()
	case FormatUUID:
		id, err := uuid.NewRandom()
		if err != nil {
			return "", fmt.Errorf("generate uuid: %w", err)
		}
		return id.String(), nil
	case FormatPattern:
		if strings.TrimSpace(pattern) == "" {
			return "", ErrEmptyPattern
		}
		return fillPattern(pattern)
	default:
		return "", ErrUnknownFormat
	}
}

func randomSegmented() (string, error) {
	groups := make([]string, 0, segmentedGroups)
	for i := 0; i < segmentedGroups; i++ {
		group, err := randomChars(segmentedWidth)
		if err != nil {
			return "", err
		}
		groups = append(groups, group)
	}
	return strings.Join(groups, "-"), nil
}

func fillPattern(pattern string) (string, error) {
	var b strings.Builder
	b.Grow(len(pattern))
	for _, r := range pattern {
		if r == 'X' {
			c, err := randomChars(1)
			if err != nil {
				return "", err
			}
			b.WriteString(c)
			continue
		}
		b.WriteRune(r)
	}
	return b.String(), nil
}

func randomChars(n int) (string, error) {
	max := big.NewInt(int64(len(keyAlphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		out[i] = keyAlphabet[idx.Int64()]
	}
	return string(out), nil
}
