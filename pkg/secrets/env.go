// Copyright 2026 fanjia1024
// Environment variable based secret store

package secrets

import (
	"context"
	"os"
	"strings"

	"didcomm-agent/pkg/errors"
)

// EnvPrefix 环境变量名前缀
const EnvPrefix = "AGENT_SECRET_"

type envStore struct{}

// NewEnvStore key 映射为 AGENT_SECRET_<KEY>，非字母数字字符替换为 '_'
func NewEnvStore() Store {
	return &envStore{}
}

func envName(key string) string {
	return EnvPrefix + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, key)
}

func (e *envStore) Get(ctx context.Context, key string) (string, error) {
	value, ok := os.LookupEnv(envName(key))
	if !ok {
		return "", errors.Wrapf(errors.ErrNotFound, "environment variable %s", envName(key))
	}
	return value, nil
}

func (e *envStore) Set(ctx context.Context, key string, value string) error {
	return os.Setenv(envName(key), value)
}

func (e *envStore) Delete(ctx context.Context, key string) error {
	return os.Unsetenv(envName(key))
}

// List 返回的是环境变量名（映射后的 key）
func (e *envStore) List(ctx context.Context, prefix string) ([]string, error) {
	want := envName(prefix)
	var keys []string
	for _, env := range os.Environ() {
		name, _, _ := strings.Cut(env, "=")
		if strings.HasPrefix(name, want) {
			keys = append(keys, name)
		}
	}
	return keys, nil
}
