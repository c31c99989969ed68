// Package eligibility decides whether a contributor's donations earn matching.
//
// A contribution is matched only when the contributor's reputation score
// reaches the round's minimum. Scores come from an external ScoreSource and
// are cached per account for a short TTL.
package eligibility

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/roach88/sqfstream/internal/chain"
	"github.com/roach88/sqfstream/internal/matching"
)

// Decision is the outcome of an eligibility check.
type Decision struct {
	Account  string
	Score    int64
	Minimum  int64
	Eligible bool
	Cached   bool
}

// Gate checks accounts against a minimum score.
type Gate struct {
	source  chain.ScoreSource
	minimum int64
	logger  *slog.Logger

	mu    sync.Mutex // serializes cache misses per gate
	cache *ttlcache.Cache[string, int64]
}

// NewGate creates a Gate. A non-positive ttl disables caching.
func NewGate(source chain.ScoreSource, minimum int64, ttl time.Duration, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{source: source, minimum: minimum, logger: logger}
	if ttl > 0 {
		g.cache = ttlcache.New[string, int64](
			ttlcache.WithTTL[string, int64](ttl),
			ttlcache.WithDisableTouchOnHit[string, int64](), // a hit must not extend a stale score
		)
	}
	return g
}

// Minimum returns the configured threshold.
func (g *Gate) Minimum() int64 {
	return g.minimum
}

// Check looks up account's score and compares it with the minimum.
func (g *Gate) Check(ctx context.Context, account string) (Decision, error) {
	if g.cache == nil {
		score, err := g.source.Score(ctx, account)
		if err != nil {
			return Decision{}, fmt.Errorf("score for %s: %w", account, err)
		}
		return g.decide(account, score, false), nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if item := g.cache.Get(account); item != nil {
		return g.decide(account, item.Value(), true), nil
	}
	score, err := g.source.Score(ctx, account)
	if err != nil {
		return Decision{}, fmt.Errorf("score for %s: %w", account, err)
	}
	g.cache.Set(account, score, ttlcache.DefaultTTL)
	g.logger.Debug("score cached", "account", account, "score", score)
	return g.decide(account, score, false), nil
}

// Invalidate drops the cached score of account.
func (g *Gate) Invalidate(account string) {
	if g.cache != nil {
		g.cache.Delete(account)
	}
}

func (g *Gate) decide(account string, score int64, cached bool) Decision {
	return Decision{
		Account:  account,
		Score:    score,
		Minimum:  g.minimum,
		Eligible: matching.Eligible(score, g.minimum),
		Cached:   cached,
	}
}
