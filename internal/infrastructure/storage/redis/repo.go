package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"hlstream/internal/application/port"
	"hlstream/internal/domain"
)

type Repo struct {
	rdb         *redis.Client
	prefix      string
	ttl         time.Duration
	keyLastBar  string // prefix + ":lastbar"
	eventStream string
	eventChan   string
}

func New(rdb *redis.Client, prefix string, ttl time.Duration, eventStream, eventChan string) *Repo {
	if strings.TrimSpace(eventStream) == "" {
		eventStream = prefix + ":events"
	}
	if strings.TrimSpace(eventChan) == "" {
		eventChan = prefix + ":events:pub"
	}
	return &Repo{
		rdb:         rdb,
		prefix:      prefix,
		ttl:         ttl,
		keyLastBar:  prefix + ":lastbar",
		eventStream: eventStream,
		eventChan:   eventChan,
	}
}

func (r *Repo) Close() error { return r.rdb.Close() }

func (r *Repo) UpsertLastBar(ctx context.Context, key string, bar domain.Bar) error {
	b, err := json.Marshal(bar)
	if err != nil {
		return err
	}

	// Hash: field = "BTC:1m" -> json
	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, r.keyLastBar, key, string(b))
	if r.ttl > 0 {
		pipe.Expire(ctx, r.keyLastBar, r.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Repo) GetLastBar(ctx context.Context, key string) (domain.Bar, bool, error) {
	raw, err := r.rdb.HGet(ctx, r.keyLastBar, key).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Bar{}, false, nil
	}
	if err != nil {
		return domain.Bar{}, false, err
	}
	var bar domain.Bar
	if err := json.Unmarshal([]byte(raw), &bar); err != nil {
		return domain.Bar{}, false, err
	}
	return bar, true, nil
}

func (r *Repo) InsertStatusEvent(ctx context.Context, key, status, reason string, ts int64) error {
	// 1) Stream: XADD <stream> * key status reason ts_ms
	_, err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.eventStream,
		Values: map[string]any{
			"key":    key,
			"status": status,
			"reason": reason,
			"ts_ms":  ts,
		},
	}).Result()
	if err != nil {
		return err
	}

	// 2) PubSub: PUBLISH <channel> json
	msg, err := json.Marshal(port.StatusEvent{Key: key, Status: status, Reason: reason, Ts: ts})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.eventChan, msg).Err()
}

var _ port.Repository = (*Repo)(nil)
