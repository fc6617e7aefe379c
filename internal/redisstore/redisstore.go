// Package redisstore is the network-reachable backend: a Redis list for the
// work queue, a list per campaign for share records, and hashes for record
// collections. Any number of workers on any host can pull from it.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mattjoyce/radar/internal/codec"
	"github.com/mattjoyce/radar/internal/log"
	"github.com/mattjoyce/radar/internal/queue"
)

const DefaultPrefix = "radar"

// Store implements the queue, share and collection operations on Redis.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

// New wraps an existing client. prefix namespaces every key.
func New(rdb redis.UniversalClient, prefix string) *Store {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix, now: time.Now}
}

// Open parses a redis:// URL and connects. It does not ping.
func Open(url, prefix string) (*Store, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("redis url is empty")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New(redis.NewClient(opt), prefix), nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

// Submit pushes the whole batch with one RPUSH, so it lands contiguously and
// in order.
func (s *Store) Submit(ctx context.Context, jobs []queue.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	if err := queue.Prepare(jobs, s.now()); err != nil {
		return err
	}
	values := make([]any, len(jobs))
	for i := range jobs {
		body, err := codec.Marshal(jobs[i])
		if err != nil {
			return fmt.Errorf("encode job %s: %w", jobs[i].ID, err)
		}
		values[i] = body
	}
	if err := s.rdb.RPush(ctx, s.key("jobs"), values...).Err(); err != nil {
		return fmt.Errorf("submit jobs: %w", err)
	}
	return nil
}

// Pull pops the oldest job. Returns (nil, nil) if the queue is empty.
func (s *Store) Pull(ctx context.Context) (*queue.Job, error) {
	body, err := s.rdb.LPop(ctx, s.key("jobs")).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pull job: %w", err)
	}
	var j queue.Job
	if err := codec.Unmarshal(body, &j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}

func (s *Store) Depth(ctx context.Context) (int, error) {
	n, err := s.rdb.LLen(ctx, s.key("jobs")).Result()
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return int(n), nil
}

func (s *Store) PutShare(ctx context.Context, rec queue.ShareRecord) error {
	if err := queue.ValidateShare(&rec, s.now()); err != nil {
		return err
	}
	body, err := codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode share: %w", err)
	}
	if err := s.rdb.RPush(ctx, s.key("share", rec.CampaignID), body).Err(); err != nil {
		return fmt.Errorf("put share: %w", err)
	}
	return nil
}

// PopShare reads and deletes the campaign's share list in one MULTI block.
func (s *Store) PopShare(ctx context.Context, filter queue.ShareFilter) ([]queue.ShareRecord, error) {
	if filter.CampaignID == "" {
		return nil, queue.ErrEmptyCampaign
	}
	key := s.key("share", filter.CampaignID)

	var lrange *redis.StringSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pop shares: %w", err)
	}

	raw := lrange.Val()
	out := make([]queue.ShareRecord, 0, len(raw))
	for i, body := range raw {
		var rec queue.ShareRecord
		if err := codec.Unmarshal([]byte(body), &rec); err != nil {
			// Already deleted; the commander's stuck warning will name the
			// sequence this record carried.
			log.WithCampaign(filter.CampaignID).Warn("dropping undecodable share record",
				"index", i, "bytes", len(body), "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
