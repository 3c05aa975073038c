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

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Service 对端服务描述：endpoint 与连接提示，来自 wallet 元数据或调用方显式指定
type Service struct {
	Endpoint      string            `json:"serviceEndpoint"`
	RecipientKeys []string          `json:"recipientKeys,omitempty"`
	RoutingKeys   []string          `json:"routingKeys,omitempty"`
	Hints         map[string]string `json:"hints,omitempty"`
}

// Opener 按服务描述主动打开出站连接
type Opener interface {
	Open(ctx context.Context, svc Service) (Connection, error)
}

// OpenerFunc 函数适配
type OpenerFunc func(ctx context.Context, svc Service) (Connection, error)

func (f OpenerFunc) Open(ctx context.Context, svc Service) (Connection, error) { return f(ctx, svc) }

// OpenResult 出站打开结果：要么拿到连接，要么给出失败原因（走 pending queue）
type OpenResult struct {
	Conn   Connection
	Reason error
}

func (r OpenResult) Opened() bool { return r.Conn != nil && r.Reason == nil }

// Registry 按 endpoint 的 URI scheme 选择 Opener；新增 scheme 只需 Register
type Registry struct {
	mu      sync.RWMutex
	openers map[string]Opener
}

func NewRegistry() *Registry {
	return &Registry{openers: make(map[string]Opener)}
}

// Register scheme 不区分大小写，后注册覆盖先注册
func (r *Registry) Register(scheme string, o Opener) {
	r.mu.Lock()
	r.openers[strings.ToLower(scheme)] = o
	r.mu.Unlock()
}

// Schemes 已注册的 scheme，按字典序
func (r *Registry) Schemes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.openers))
	for s := range r.openers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Select 返回 endpoint 对应的 Opener
func (r *Registry) Select(endpoint string) (Opener, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("%w: missing service endpoint", ErrCannotOpenConnection)
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" {
		return nil, fmt.Errorf("%w: bad endpoint %q", ErrCannotOpenConnection, endpoint)
	}
	r.mu.RLock()
	o, ok := r.openers[strings.ToLower(u.Scheme)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no transport for scheme %q", ErrCannotOpenConnection, u.Scheme)
	}
	return o, nil
}

// Open 选择并打开连接；任何失败都归为 ErrCannotOpenConnection
func (r *Registry) Open(ctx context.Context, svc Service) OpenResult {
	o, err := r.Select(svc.Endpoint)
	if err != nil {
		return OpenResult{Reason: err}
	}
	conn, err := o.Open(ctx, svc)
	if err != nil {
		if !errors.Is(err, ErrCannotOpenConnection) {
			err = fmt.Errorf("%w: %v", ErrCannotOpenConnection, err)
		}
		return OpenResult{Reason: err}
	}
	return OpenResult{Conn: conn}
}
