package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 多副本部署时，每个副本都会启动对账 Sweeper。同一轮扫描只需要一个副本执行，
// 否则多个副本会对同一批交易重复查询渠道。
//
// 加锁：SET key value NX EX timeout
//   - NX: key 不存在时才设置（互斥）
//   - EX: 过期时间（持有者崩溃后锁自动释放）
//   - value: 持有者标识（释放时校验，不会删掉别人的锁）
//
// 释放锁：Lua 脚本保证"检查 + 删除"的原子性
// 续期：Lua 脚本保证"检查 + PEXPIRE"的原子性，扫描时间超过 TTL 时由持有者定期续期
//
// 锁只用于减少重复工作，不承担正确性：即使两个副本同时扫描，
// 账本上的 CAS 也保证每笔交易只会被推进一次。
//
// ============================================================================

const unlockScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

const refreshScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁的 value（用于验证锁的持有者）
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Refresh 续期，返回 false 表示锁已过期或被其他持有者拿走
func (l *DistributedLock) Refresh(ctx context.Context) (bool, error) {
	n, err := l.client.Eval(ctx, refreshScript, []string{l.key}, l.value, l.expiration.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TTL 锁的过期时间
func (l *DistributedLock) TTL() time.Duration {
	return l.expiration
}

// Unlock 释放锁，只有持有者才能删除
func (l *DistributedLock) Unlock(ctx context.Context) error {
	_, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result()
	return err
}

// NewSweepLock 对账扫描锁，所有副本共用一个 key，owner 一般为 hostname + pid
func NewSweepLock(client *redis.Client, owner string, ttl time.Duration) *DistributedLock {
	return NewDistributedLock(client, "gateway:lock:reconcile", fmt.Sprintf("sweeper:%s", owner), ttl)
}
