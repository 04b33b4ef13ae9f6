package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Cursors persist the last id a resumable sweep processed, so a restart picks
// up where the previous process stopped.
type Cursors struct {
	redis *redis.Client
}

func NewCursors(redisClient *redis.Client) *Cursors {
	return &Cursors{redis: redisClient}
}

func CursorKey(name string) string {
	return fmt.Sprintf("sweep:%s:cursor", name)
}

func (c *Cursors) Get(ctx context.Context, name string) (uint64, error) {
	id, err := c.redis.Get(ctx, CursorKey(name)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s cursor: %w", name, err)
	}
	return id, nil
}

func (c *Cursors) Set(ctx context.Context, name string, id uint64) error {
	if err := c.redis.Set(ctx, CursorKey(name), id, 0).Err(); err != nil {
		return fmt.Errorf("write %s cursor: %w", name, err)
	}
	return nil
}
