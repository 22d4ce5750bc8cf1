package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisGuardConfig 描述 Redis 防重表的连接参数。
type RedisGuardConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	// ReservationTTL 限制占用键的最长存活时间，防止进程崩溃后
	// 指纹被永久占死。0 表示不过期。
	ReservationTTL time.Duration
}

// RedisGuard 使用 Redis SET NX 实现跨进程、可持久化的防重表。
// 付款指纹要求跨重启存活时应选用该实现。
type RedisGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisGuard 创建 RedisGuard 实例。
func NewRedisGuard(cfg RedisGuardConfig) (*RedisGuard, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "hashbot:guard"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisGuard{client: client, prefix: prefix, ttl: cfg.ReservationTTL}, nil
}

// Reserve 通过 SET NX 抢占键。
func (g *RedisGuard) Reserve(ctx context.Context, key string) (bool, error) {
	ok, err := g.client.SetNX(ctx, g.reservationKey(key), time.Now().Unix(), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("Redis 抢占失败: %w", err)
	}
	return ok, nil
}

// Release 删除占用键。
func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, g.reservationKey(key)).Err(); err != nil {
		return fmt.Errorf("Redis 释放失败: %w", err)
	}
	return nil
}

// ConsumeNonce 将 nonce 写入按付款人隔离的集合。nonce 一经消费永不过期。
func (g *RedisGuard) ConsumeNonce(ctx context.Context, payer, nonce string) (bool, error) {
	added, err := g.client.SAdd(ctx, g.nonceSetKey(payer), nonce).Result()
	if err != nil {
		return false, fmt.Errorf("Redis 记录 nonce 失败: %w", err)
	}
	return added == 1, nil
}

// NonceUsed 查询 nonce 是否已被消费。
func (g *RedisGuard) NonceUsed(ctx context.Context, payer, nonce string) (bool, error) {
	used, err := g.client.SIsMember(ctx, g.nonceSetKey(payer), nonce).Result()
	if err != nil {
		return false, fmt.Errorf("Redis 查询 nonce 失败: %w", err)
	}
	return used, nil
}

// Close 关闭 Redis 连接。
func (g *RedisGuard) Close() error {
	if g == nil || g.client == nil {
		return nil
	}
	return g.client.Close()
}

func (g *RedisGuard) reservationKey(key string) string {
	return g.prefix + ":reserve:" + key
}

func (g *RedisGuard) nonceSetKey(payer string) string {
	return g.prefix + ":nonce:" + strings.ToLower(payer)
}

var _ Guard = (*RedisGuard)(nil)
