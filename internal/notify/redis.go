package notify

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tickbars/internal/model"
)

// LatestKey is the Redis key holding the newest closed candle of a pair.
func LatestKey(symbol string, tf model.Timeframe) string {
	return fmt.Sprintf("candle:latest:%s:%s", symbol, tf)
}

// Channel is the Redis pub/sub channel candles of a pair are published on.
func Channel(symbol string, tf model.Timeframe) string {
	return fmt.Sprintf("candles.%s.%s", symbol, tf)
}

// RedisPublisher stores the latest candle per pair and publishes every new one.
type RedisPublisher struct {
	rdb    redis.UniversalClient
	logger zerolog.Logger
}

// NewRedisPublisher wraps an existing client. The caller keeps ownership of rdb.
func NewRedisPublisher(rdb redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{
		rdb:    rdb,
		logger: log.With().Str("component", "redis-notifier").Logger(),
	}
}

// Publish writes all candles in one pipeline: SET of the latest key followed
// by PUBLISH on the pair's channel.
func (p *RedisPublisher) Publish(ctx context.Context, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	pipe := p.rdb.Pipeline()
	for _, c := range candles {
		payload, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal candle: %w", err)
		}
		pipe.Set(ctx, LatestKey(c.Symbol, c.Timeframe), payload, 0)
		pipe.Publish(ctx, Channel(c.Symbol, c.Timeframe), payload)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	p.logger.Debug().Int("candles", len(candles)).Msg("candles published")
	return nil
}
