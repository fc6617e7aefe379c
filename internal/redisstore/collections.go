package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mattjoyce/radar/internal/state"
)

// Collection layout:
//
//	<prefix>:col:<name>            hash  id -> Document JSON
//	<prefix>:col:<name>:order      zset  id scored by first-insert sequence
//	<prefix>:col:<name>:seq        counter for the order zset
//	<prefix>:col:<name>:src:<cmd>  set   ids with that source command

// Persist upserts docs into collection.
func (s *Store) Persist(ctx context.Context, collection string, docs []state.Document) error {
	if collection == "" {
		return fmt.Errorf("collection name is empty")
	}
	if len(docs) == 0 {
		return nil
	}
	ids := make([]string, len(docs))
	encoded := make([][]byte, len(docs))
	for i, d := range docs {
		if err := d.Validate(); err != nil {
			return err
		}
		body, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("encode document %s: %w", d.ID, err)
		}
		ids[i] = d.ID
		encoded[i] = body
	}

	hashKey := s.key("col", collection)
	previous, err := s.rdb.HMGet(ctx, hashKey, ids...).Result()
	if err != nil {
		return fmt.Errorf("read %s: %w", collection, err)
	}
	base, err := s.rdb.IncrBy(ctx, s.key("col", collection, "seq"), int64(len(docs))).Result()
	if err != nil {
		return fmt.Errorf("sequence %s: %w", collection, err)
	}
	base -= int64(len(docs))

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, d := range docs {
			if old := previousSource(previous[i]); old != "" && old != d.SourceCommand {
				pipe.SRem(ctx, s.key("col", collection, "src", old), d.ID)
			}
			pipe.HSet(ctx, hashKey, d.ID, encoded[i])
			pipe.ZAddNX(ctx, s.key("col", collection, "order"), redis.Z{Score: float64(base + int64(i)), Member: d.ID})
			if d.SourceCommand != "" {
				pipe.SAdd(ctx, s.key("col", collection, "src", d.SourceCommand), d.ID)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist %s: %w", collection, err)
	}
	return nil
}

func previousSource(v any) string {
	raw, ok := v.(string)
	if !ok {
		return ""
	}
	var d state.Document
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return ""
	}
	return d.SourceCommand
}

// Fetch returns documents of collection matching filter in first-insert order.
func (s *Store) Fetch(ctx context.Context, collection string, filter state.Filter) ([]state.Document, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if filter.Field != "" && len(filter.In) == 0 {
		return nil, nil
	}

	ordered, err := s.rdb.ZRange(ctx, s.key("col", collection, "order"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", collection, err)
	}

	var keep map[string]struct{}
	switch filter.Field {
	case state.FieldID:
		keep = toSet(filter.In)
	case state.FieldSourceCommand:
		keys := make([]string, len(filter.In))
		for i, src := range filter.In {
			keys[i] = s.key("col", collection, "src", src)
		}
		members, err := s.rdb.SUnion(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("fetch %s index: %w", collection, err)
		}
		keep = toSet(members)
	}

	ids := ordered[:0:0]
	for _, id := range ordered {
		if keep == nil {
			ids = append(ids, id)
			continue
		}
		if _, ok := keep[id]; ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := s.rdb.HMGet(ctx, s.key("col", collection), ids...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("fetch %s: %w", collection, err)
	}
	out := make([]state.Document, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var d state.Document
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, ids[i], err)
		}
		out = append(out, d)
	}
	return out, nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
