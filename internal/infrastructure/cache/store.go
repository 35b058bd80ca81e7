package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// 带 TTL 的读穿缓存
// ============================================================================
//
// 每个 key 旁边有一个代数计数器 <key>:gen。Invalidate 删除缓存并把代数 +1；
// 回源加载前记下代数，写回时代数没变才写入。这样"先读到旧值、写入方失效、
// 读取方再把旧值写回"的竞争不会留下脏缓存。
//
// 缓存只是加速，redis 出错时直接回源，不影响业务结果。
//
// ============================================================================

// 代数一致才写入
var setIfGenScript = redis.NewScript(`
	local gen = redis.call("GET", KEYS[2]) or "0"
	if gen == ARGV[3] then
		redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
		return 1
	end
	return 0
`)

// Store 某一类数据的缓存，T 需要能 JSON 序列化
type Store[T any] struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	group  singleflight.Group
}

func NewStore[T any](client *redis.Client, prefix string, ttl time.Duration) *Store[T] {
	return &Store[T]{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *Store[T]) key(id string) string {
	return s.prefix + ":" + id
}

func (s *Store[T]) genKey(id string) string {
	return s.prefix + ":" + id + ":gen"
}

func (s *Store[T]) TTL() time.Duration {
	return s.ttl
}

// Get 命中返回 true
func (s *Store[T]) Get(ctx context.Context, id string) (T, bool, error) {
	var value T
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return value, false, nil
	}
	if err != nil {
		return value, false, err
	}
	if err := json.Unmarshal(raw, &value); err != nil {
		return value, false, err
	}
	return value, true, nil
}

func (s *Store[T]) Set(ctx context.Context, id string, value T) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(id), raw, s.ttl).Err()
}

// Invalidate 删除缓存并推进代数，正在进行的回源结果会被丢弃
func (s *Store[T]) Invalidate(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(id))
	pipe.Incr(ctx, s.genKey(id))
	pipe.Expire(ctx, s.genKey(id), 2*s.ttl+time.Minute)
	_, err := pipe.Exec(ctx)
	return err
}

// GetOrLoad 读穿：未命中时调用 load，同一个 key 的并发回源只执行一次
func (s *Store[T]) GetOrLoad(ctx context.Context, id string, load func(ctx context.Context) (T, error)) (T, error) {
	if value, ok, err := s.Get(ctx, id); err == nil && ok {
		return value, nil
	} else if err != nil {
		log.Printf("[Cache] 读取缓存失败，直接回源: key=%s, err=%v", s.key(id), err)
	}

	v, err, _ := s.group.Do(id, func() (interface{}, error) {
		gen, genErr := s.client.Get(ctx, s.genKey(id)).Result()
		if errors.Is(genErr, redis.Nil) {
			gen, genErr = "0", nil
		}

		value, err := load(ctx)
		if err != nil {
			return value, err
		}

		if genErr == nil {
			if err := s.setIfGen(ctx, id, value, gen); err != nil {
				log.Printf("[Cache] 写入缓存失败: key=%s, err=%v", s.key(id), err)
			}
		}
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

func (s *Store[T]) setIfGen(ctx context.Context, id string, value T, gen string) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return setIfGenScript.Run(ctx, s.client,
		[]string{s.key(id), s.genKey(id)},
		raw, strconv.FormatInt(s.ttl.Milliseconds(), 10), gen,
	).Err()
}
