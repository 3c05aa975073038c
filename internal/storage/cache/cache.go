// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"didcomm-agent/pkg/config"
)

// NewCache 根据配置创建存储；namespace 作为键前缀，通常为 wallet 名
func NewCache(ctx context.Context, cfg config.MetadataStoreConfig, namespace string) (Store, error) {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "agent"
	}
	prefix = fmt.Sprintf("%s:%s:", prefix, namespace)
	switch cfg.Type {
	case "", "memory":
		s := NewMemoryStore()
		s.prefix = prefix
		return s, nil
	case "redis":
		return NewRedisStore(ctx, &redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}, prefix)
	default:
		return nil, fmt.Errorf("unsupported metadata store type: %s", cfg.Type)
	}
}
