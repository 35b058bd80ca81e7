package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 同一用户双击"购买"会并发进来两个请求。余额扣减本身是带条件的原子 UPDATE，
// 不会扣成负数；这把锁让同一用户的购买串行执行，第二个请求能直接看到第一个
// 提交后的余额，给出准确的差额提示，而不是在数据库层面互相等待。
//
// 加锁：SET key owner NX PX ttl
// 解锁：Lua 脚本比较 owner 后再删除，避免删掉别人在锁过期后拿到的锁
//
// ============================================================================

var (
	ErrLockFailed = errors.New("获取分布式锁失败")
	ErrNotHeld    = errors.New("锁已过期或被他人持有")
)

var unlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string
	owner      string // 锁持有者标识，解锁时校验
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, owner string, expiration time.Duration) *DistributedLock {
	if owner == "" {
		owner = uuid.NewString()
	}
	return &DistributedLock{
		client:     client,
		key:        key,
		owner:      owner,
		expiration: expiration,
	}
}

func (l *DistributedLock) Key() string {
	return l.key
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.owner, l.expiration).Result()
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁，锁已不属于自己时返回 ErrNotHeld
func (l *DistributedLock) Unlock(ctx context.Context) error {
	n, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.owner).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// NewPurchaseLock 按用户维度的购买锁
// 不同用户互不影响，同一用户的购买串行
func NewPurchaseLock(client *redis.Client, userID int64) *DistributedLock {
	key := fmt.Sprintf("purchase:lock:user:%d", userID)
	return NewDistributedLock(client, key, "", 30*time.Second)
}

// NewOrderLock 按订单维度的锁，多实例对账时使用
func NewOrderLock(client *redis.Client, orderID int64) *DistributedLock {
	key := fmt.Sprintf("order:lock:%d", orderID)
	return NewDistributedLock(client, key, "", 30*time.Second)
}
