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

package conductor

import (
	"context"
	"sync"

	"didcomm-agent/pkg/message"
)

// Pending 等待可用连接的出站消息
type Pending struct {
	Message *message.Message
	ToKey   string
	FromKey string
}

// PendingStore 按收件人 verkey 划分的 FIFO 队列
type PendingStore interface {
	Push(ctx context.Context, p Pending) error
	// PushFront 将发送失败的消息放回队首
	PushFront(ctx context.Context, p Pending) error
	// Pop 队列为空时 ok 为 false
	Pop(ctx context.Context, toKey string) (p Pending, ok bool, err error)
	Len(ctx context.Context, toKey string) (int, error)
}

type memoryPending struct {
	mu     sync.Mutex
	queues map[string][]Pending
}

// NewMemoryPending 进程内实现
func NewMemoryPending() PendingStore {
	return &memoryPending{queues: make(map[string][]Pending)}
}

func (s *memoryPending) Push(ctx context.Context, p Pending) error {
	s.mu.Lock()
	s.queues[p.ToKey] = append(s.queues[p.ToKey], p)
	s.mu.Unlock()
	return nil
}

func (s *memoryPending) PushFront(ctx context.Context, p Pending) error {
	s.mu.Lock()
	s.queues[p.ToKey] = append([]Pending{p}, s.queues[p.ToKey]...)
	s.mu.Unlock()
	return nil
}

func (s *memoryPending) Pop(ctx context.Context, toKey string) (Pending, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues[toKey]
	if len(q) == 0 {
		return Pending{}, false, nil
	}
	p := q[0]
	q[0] = Pending{}
	if len(q) == 1 {
		delete(s.queues, toKey)
	} else {
		s.queues[toKey] = q[1:]
	}
	return p, true, nil
}

func (s *memoryPending) Len(ctx context.Context, toKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[toKey]), nil
}
