// Package orders owns order submission: structured idempotency keys,
// duplicate suppression, fill tracking off the private feed, and the
// cancel surface.
package orders

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// MaxLinkIDLength is the exchange limit on orderLinkId.
	MaxLinkIDLength = 36

	// linkIDPrefix tags every order this agent places.
	linkIDPrefix = "AGT"

	// sequenceKeyPrefix is the Redis key prefix for the daily counter.
	sequenceKeyPrefix = "agent:order_seq"
)

// OrderKind is the single-letter link-ID suffix naming the order's role.
type OrderKind string

const (
	KindEntry OrderKind = "E"
	KindExit  OrderKind = "X"
	KindStop  OrderKind = "S"
)

// ErrLinkIDTooLong reports a generated ID over the exchange limit.
var ErrLinkIDTooLong = errors.New("order link ID exceeds 36 characters")

// LinkIDGenerator produces structured order link IDs of the form
// AGT-15JAN-00001-E. The daily sequence comes from Redis so IDs stay
// unique across restarts; when Redis is down a crypto-random fallback
// keeps orders flowing (AGT-F-a3f7c2e9-E).
type LinkIDGenerator struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// NewLinkIDGenerator creates a generator. rdb may be nil; every ID is
// then a fallback ID.
func NewLinkIDGenerator(rdb *redis.Client, logger zerolog.Logger) *LinkIDGenerator {
	return &LinkIDGenerator{
		rdb:    rdb,
		logger: logger.With().Str("component", "LinkIDGenerator").Logger(),
	}
}

// Generate returns a fresh link ID for one order.
func (g *LinkIDGenerator) Generate(ctx context.Context, kind OrderKind) (string, error) {
	now := time.Now().UTC()
	dateStr := strings.ToUpper(now.Format("02Jan"))

	if g.rdb != nil {
		seq, err := g.nextSequence(ctx, now)
		if err == nil {
			id := fmt.Sprintf("%s-%s-%05d-%s", linkIDPrefix, dateStr, seq, kind)
			if len(id) > MaxLinkIDLength {
				return "", fmt.Errorf("%w: %q", ErrLinkIDTooLong, id)
			}
			return id, nil
		}
		g.logger.Warn().Err(err).Msg("Redis sequence unavailable, using fallback link ID")
	}

	return g.fallback(kind), nil
}

// nextSequence atomically increments the daily counter. The key expires
// after 48h so stale days clean themselves up.
func (g *LinkIDGenerator) nextSequence(ctx context.Context, now time.Time) (int64, error) {
	key := fmt.Sprintf("%s:%s", sequenceKeyPrefix, now.Format("20060102"))
	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if seq == 1 {
		g.rdb.Expire(ctx, key, 48*time.Hour)
	}
	return seq, nil
}

// fallback builds a random ID without Redis. 4 random bytes keep the
// collision chance negligible for a single account's order volume.
func (g *LinkIDGenerator) fallback(kind OrderKind) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// Degenerate case: clock-based, still unique enough per account.
		return fmt.Sprintf("%s-F-%d-%s", linkIDPrefix, time.Now().UnixNano()%100000000, kind)
	}
	return fmt.Sprintf("%s-F-%s-%s", linkIDPrefix, hex.EncodeToString(buf), kind)
}
