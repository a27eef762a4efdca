package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// CachedClient is a Redis read-through cache around a Client. Ingest
// re-embeds the same fact sentences whenever duplicate phrasings come
// back, so hits are frequent. Cache failures degrade to the inner
// client, never to an error.
type CachedClient struct {
	inner  Client
	rdb    *redis.Client
	model  string
	ttl    time.Duration
	logger *logrus.Logger
}

// NewCachedClient wraps inner with a Redis cache. The model name is
// part of the cache key so model changes never serve stale vectors.
func NewCachedClient(inner Client, rdb *redis.Client, model string, ttl time.Duration, logger *logrus.Logger) *CachedClient {
	if logger == nil {
		logger = logrus.New()
	}
	return &CachedClient{inner: inner, rdb: rdb, model: model, ttl: ttl, logger: logger}
}

func (c *CachedClient) key(text string) string {
	sum := sha256.Sum256([]byte(c.model + "\x00" + text))
	return "memzero:emb:" + hex.EncodeToString(sum[:])
}

// Embed returns cached vectors where available and embeds the rest in
// one provider call.
func (c *CachedClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int

	keys := make([]string, len(texts))
	for i, text := range texts {
		keys[i] = c.key(text)
	}
	cached, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.logger.WithError(err).Warn("Embedding cache read failed")
		cached = make([]any, len(texts))
	}

	for i := range texts {
		if raw, ok := cached[i].(string); ok {
			var vec []float32
			if err := json.Unmarshal([]byte(raw), &vec); err == nil {
				out[i] = vec
				continue
			}
		}
		missing = append(missing, texts[i])
		missingIdx = append(missingIdx, i)
	}

	if len(missing) > 0 {
		vectors, err := c.inner.Embed(ctx, missing)
		if err != nil {
			return nil, err
		}
		pipe := c.rdb.Pipeline()
		for j, vec := range vectors {
			out[missingIdx[j]] = vec
			if raw, err := json.Marshal(vec); err == nil {
				pipe.Set(ctx, keys[missingIdx[j]], raw, c.ttl)
			}
		}
		if _, err := pipe.Exec(ctx); err != nil {
			c.logger.WithError(err).Warn("Embedding cache write failed")
		}
	}

	return out, nil
}

// EmbedQuery embeds a single query string through the cache.
func (c *CachedClient) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vectors, err := c.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}
