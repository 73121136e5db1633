package redis

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"strconv"
	"time"

	"quizbot/internal/app"
	"quizbot/internal/domain"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// QuestionCache is a read-through cache in front of an app.QuestionSource.
// Found rows are stored as JSON under
// quizbot:question:{kind}:{order}:{offset}; misses and errors are never cached
// so the fallback strategies still see the backing store's real answer.
type QuestionCache struct {
	client *redis.Client
	source app.QuestionSource
	ttl    time.Duration
	sf     singleflight.Group
}

func NewQuestionCache(client *redis.Client, source app.QuestionSource, ttl time.Duration) *QuestionCache {
	return &QuestionCache{client: client, source: source, ttl: ttl}
}

// CountQuestions is not cached here; the question store keeps its own count.
func (c *QuestionCache) CountQuestions(ctx context.Context, kind string) (int, error) {
	return c.source.CountQuestions(ctx, kind)
}

type cachedRow struct {
	row   domain.RawQuestion
	found bool
}

func (c *QuestionCache) QuestionAt(ctx context.Context, q app.QuestionQuery) (domain.RawQuestion, bool, error) {
	key := c.key(q)
	if row, ok := c.lookup(ctx, key); ok {
		return row, true, nil
	}

	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if row, ok := c.lookup(ctx, key); ok {
			return cachedRow{row: row, found: true}, nil
		}

		row, found, err := c.source.QuestionAt(ctx, q)
		if err != nil || !found {
			return cachedRow{}, err
		}

		if data, err := json.Marshal(row); err == nil {
			_ = c.client.Set(ctx, key, data, c.ttlWithJitter()).Err()
		}
		return cachedRow{row: row, found: true}, nil
	})
	if err != nil {
		return domain.RawQuestion{}, false, err
	}
	res := result.(cachedRow)
	return res.row, res.found, nil
}

func (c *QuestionCache) lookup(ctx context.Context, key string) (domain.RawQuestion, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return domain.RawQuestion{}, false
	}
	var row domain.RawQuestion
	if err := json.Unmarshal(data, &row); err != nil {
		return domain.RawQuestion{}, false
	}
	return row, true
}

func (c *QuestionCache) key(q app.QuestionQuery) string {
	kind := q.Kind
	if kind == "" {
		kind = "*"
	}
	order := "id"
	if q.ByPublished {
		order = "published"
	}
	return "quizbot:question:" + kind + ":" + order + ":" + strconv.Itoa(q.Offset)
}

func (c *QuestionCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(rand.Int64N(jitterMax+1))
}
