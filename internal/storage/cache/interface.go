package cache

import (
	"context"
	"time"
)

// Store 命名空间内的 JSON 键值存储；wallet 的 DID 映射与服务元数据存于此
type Store interface {
	// Set expiration 为 0 表示不过期
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	// Get 不存在或已过期时返回包装后的 errors.ErrNotFound
	Get(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Clear 清空本命名空间
	Clear(ctx context.Context) error
	Close() error
}
