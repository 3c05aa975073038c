// Copyright 2026 fanjia1024
// Secret management abstraction

// Package secrets 存放 wallet 私钥等敏感值；值在写入前已由调用方加密
package secrets

import (
	"context"
	"fmt"

	"didcomm-agent/pkg/config"
)

// Store Secret 存储接口
type Store interface {
	// Get 不存在时返回包装后的 errors.ErrNotFound
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, key string) error
	// List 列出以 prefix 开头的 key
	List(ctx context.Context, prefix string) ([]string, error)
}

// NewStore 按 provider 创建：memory | env | vault
func NewStore(cfg config.SecretsConfig) (Store, error) {
	switch cfg.Provider {
	case "", "memory":
		return NewMemoryStore(), nil
	case "env":
		return NewEnvStore(), nil
	case "vault":
		return NewVaultStore(VaultConfig{
			Address:    cfg.Address,
			Token:      cfg.Token,
			PathPrefix: cfg.PathPrefix,
		})
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", cfg.Provider)
	}
}
