// Copyright 2026 fanjia1024
// HashiCorp Vault secret store

package secrets

import (
	"context"
	"fmt"
	"path"
	"strings"

	vault "github.com/hashicorp/vault/api"

	"didcomm-agent/pkg/errors"
)

// VaultConfig Vault 配置
type VaultConfig struct {
	Address    string // 默认 http://localhost:8200
	Token      string
	PathPrefix string // KV 挂载路径，默认 "secret"
}

type vaultStore struct {
	client     *vault.Client
	pathPrefix string
}

// NewVaultStore 创建客户端并检查 Vault 健康状态
func NewVaultStore(cfg VaultConfig) (Store, error) {
	vcfg := vault.DefaultConfig()
	if cfg.Address != "" {
		vcfg.Address = cfg.Address
	}
	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if _, err := client.Sys().Health(); err != nil {
		return nil, fmt.Errorf("failed to connect to vault: %w", err)
	}
	prefix := cfg.PathPrefix
	if prefix == "" {
		prefix = "secret"
	}
	return &vaultStore{client: client, pathPrefix: strings.Trim(prefix, "/")}, nil
}

func (v *vaultStore) Get(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.buildPath(key))
	if err != nil {
		return "", fmt.Errorf("failed to read secret from vault: %w", err)
	}
	if secret == nil {
		return "", errors.Wrapf(errors.ErrNotFound, "secret %s", key)
	}
	if data, ok := secret.Data["value"].(string); ok {
		return data, nil
	}
	return "", errors.Wrapf(errors.ErrNotFound, "secret %s has no value", key)
}

func (v *vaultStore) Set(ctx context.Context, key string, value string) error {
	_, err := v.client.Logical().WriteWithContext(ctx, v.buildPath(key), map[string]interface{}{"value": value})
	if err != nil {
		return fmt.Errorf("failed to write secret to vault: %w", err)
	}
	return nil
}

func (v *vaultStore) Delete(ctx context.Context, key string) error {
	if _, err := v.client.Logical().DeleteWithContext(ctx, v.buildPath(key)); err != nil {
		return fmt.Errorf("failed to delete secret from vault: %w", err)
	}
	return nil
}

// List 仅列出 prefix 所在目录下的直接子项
func (v *vaultStore) List(ctx context.Context, prefix string) ([]string, error) {
	dir, base := path.Split(prefix)
	secret, err := v.client.Logical().ListWithContext(ctx, v.buildPath(dir))
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets from vault: %w", err)
	}
	if secret == nil {
		return nil, nil
	}
	raw, _ := secret.Data["keys"].([]interface{})
	var out []string
	for _, k := range raw {
		if s, ok := k.(string); ok && strings.HasPrefix(s, base) {
			out = append(out, dir+s)
		}
	}
	return out, nil
}

func (v *vaultStore) buildPath(key string) string {
	return v.pathPrefix + "/" + strings.TrimLeft(key, "/")
}
