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

package message

import (
	"encoding/json"
	"math"
)

// TransportDecorator ~transport 装饰器字段名
const TransportDecorator = "~transport"

// return_route 取值
const (
	ReturnRouteAll    = "all"
	ReturnRouteNone   = "none"
	ReturnRouteThread = "thread"
)

// NoopType 用于拉取对端 pending queue 的空消息类型
const NoopType = "did:sov:BzCbsNYhMrjHiqZDTUASHg;spec/noop/1.0/noop"

// Transport ~transport 装饰器的解析结果
type Transport struct {
	ReturnRoute         string
	HasReturnRoute      bool
	PendingMessageCount int
	HasPendingCount     bool
}

func (m *Message) transportMap() (map[string]any, bool) {
	raw, ok := m.data[TransportDecorator]
	if !ok {
		return nil, false
	}
	td, ok := raw.(map[string]any)
	return td, ok
}

// Transport 读取 ~transport；字段缺失或不是对象时 ok 为 false
func (m *Message) Transport() (Transport, bool) {
	td, ok := m.transportMap()
	if !ok {
		return Transport{}, false
	}
	var t Transport
	if rr, ok := td["return_route"]; ok {
		t.HasReturnRoute = true
		t.ReturnRoute, _ = rr.(string)
	}
	if n, ok := td["pending_message_count"]; ok {
		t.PendingMessageCount, t.HasPendingCount = toInt(n)
	}
	return t, true
}

func (m *Message) ensureTransport() map[string]any {
	td, ok := m.transportMap()
	if !ok {
		td = make(map[string]any)
		m.data[TransportDecorator] = td
	}
	return td
}

// SetReturnRoute 设置 ~transport.return_route
func (m *Message) SetReturnRoute(v string) {
	m.ensureTransport()["return_route"] = v
}

// SetPendingMessageCount 设置 ~transport.pending_message_count
func (m *Message) SetPendingMessageCount(n int) {
	m.ensureTransport()["pending_message_count"] = n
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}

// NewNoop 构造空消息；returnRoute 为 true 时要求对端沿同一连接回送
func NewNoop(returnRoute bool) *Message {
	m := MustNew(map[string]any{FieldType: NoopType})
	if returnRoute {
		m.SetReturnRoute(ReturnRouteAll)
	}
	return m
}
