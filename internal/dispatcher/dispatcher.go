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

// Package dispatcher 把已分类的消息路由到静态 handler 或版本最接近的协议模块。
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"didcomm-agent/pkg/log"
	"didcomm-agent/pkg/message"
	"didcomm-agent/pkg/metrics"
	"didcomm-agent/pkg/tracing"
)

// ErrNoRegisteredRoute 没有静态路由，也没有兼容版本的模块能处理该消息
var ErrNoRegisteredRoute = errors.New("dispatcher: no registered route")

type entry struct {
	version *semver.Version
	module  Module
}

// Dispatcher 路由表；注册与分发可并发调用
type Dispatcher struct {
	mu      sync.RWMutex
	routes  map[string]Handler
	modules map[string][]entry // qualified protocol -> 按版本升序
	logger  *log.Logger
}

func New(logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Nop()
	}
	return &Dispatcher{
		routes:  make(map[string]Handler),
		modules: make(map[string][]entry),
		logger:  logger.Component("dispatcher"),
	}
}

// Route 登记静态路由，优先于模块匹配；同一 type 重复登记时覆盖
func (d *Dispatcher) Route(typeURI string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger.Debug("登记路由", "type", typeURI)
	d.routes[typeURI] = h
}

// RegisterModule 按 qualified protocol 与版本登记；同版本重复登记时覆盖
func (d *Dispatcher) RegisterModule(m Module) error {
	if m.Protocol() == "" {
		return fmt.Errorf("%w: protocol is empty", ErrInvalidModule)
	}
	v, err := message.ParseVersion(m.Version())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidModule, err)
	}
	qp := m.DocURI() + m.Protocol()

	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.modules[qp]
	i := sort.Search(len(list), func(i int) bool { return !list[i].version.LessThan(v) })
	if i < len(list) && list[i].version.Equal(v) {
		list[i].module = m
	} else {
		list = append(list, entry{})
		copy(list[i+1:], list[i:])
		list[i] = entry{version: v, module: m}
	}
	d.modules[qp] = list
	if st, ok := m.(interface{ ShortTypes() []string }); ok {
		d.logger.Debug("登记模块", "protocol", qp, "version", v.String(), "short_types", st.ShortTypes())
	} else {
		d.logger.Debug("登记模块", "protocol", qp, "version", v.String())
	}
	return nil
}

func (d *Dispatcher) ClearRoutes() {
	d.mu.Lock()
	d.routes = make(map[string]Handler)
	d.mu.Unlock()
}

func (d *Dispatcher) ClearModules() {
	d.mu.Lock()
	d.modules = make(map[string][]entry)
	d.mu.Unlock()
}

// Versions 某协议已登记的版本，升序
func (d *Dispatcher) Versions(qualifiedProtocol string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	list := d.modules[qualifiedProtocol]
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.version.String()
	}
	return out
}

// closestModule 在同一主版本内取不超过消息版本的最大模块版本；没有时取该主版本内最小的较新版本
func (d *Dispatcher) closestModule(msg *message.Message) Module {
	list := d.modules[msg.QualifiedProtocol()]
	want := msg.Version()
	var newer Module
	for i := len(list) - 1; i >= 0; i-- {
		v := list[i].version
		if v.Major() > want.Major() {
			continue
		}
		if v.Major() < want.Major() {
			break
		}
		if !v.GreaterThan(want) {
			return list[i].module
		}
		newer = list[i].module
	}
	return newer
}

func (d *Dispatcher) resolve(msg *message.Message) (Handler, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if h, ok := d.routes[msg.Type()]; ok {
		return h, "route"
	}
	mod := d.closestModule(msg)
	if mod == nil {
		return nil, ""
	}
	if h, ok := mod.Lookup(msg.Type(), msg.ShortType()); ok {
		return h, "module"
	}
	return nil, ""
}

// Dispatch 找到 handler 并同步执行；无匹配返回 ErrNoRegisteredRoute
func (d *Dispatcher) Dispatch(ctx context.Context, msg *message.Message) error {
	ctx, span := tracing.StartDispatchSpan(ctx, msg.Type(), msg.ID())
	defer span.End()

	h, via := d.resolve(msg)
	if h == nil {
		metrics.DispatchTotal.WithLabelValues("no_route").Inc()
		span.RecordError(ErrNoRegisteredRoute)
		return fmt.Errorf("%w: %s", ErrNoRegisteredRoute, msg.Type())
	}

	start := time.Now()
	err := h(ctx, msg)
	metrics.DispatchDuration.WithLabelValues(msg.QualifiedProtocol()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DispatchTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		return fmt.Errorf("dispatch %s via %s: %w", msg.Type(), via, err)
	}
	metrics.DispatchTotal.WithLabelValues("ok").Inc()
	return nil
}
