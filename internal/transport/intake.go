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

import "context"

// Intake 入站传输与 conductor 之间共享的新连接队列；显式创建并传递
type Intake struct {
	ch chan Connection
}

// NewIntake size<=0 时使用 64
func NewIntake(size int) *Intake {
	if size <= 0 {
		size = 64
	}
	return &Intake{ch: make(chan Connection, size)}
}

// Put 入队，队列满时阻塞直到 ctx 结束
func (q *Intake) Put(ctx context.Context, conn Connection) error {
	select {
	case q.ch <- conn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get 阻塞等待下一条连接
func (q *Intake) Get(ctx context.Context) (Connection, error) {
	select {
	case c := <-q.ch:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Intake) Len() int { return len(q.ch) }

// Inbound 入站传输：Accept 持续运行直到 ctx 结束或 Shutdown，将新连接放入 Intake
type Inbound interface {
	Accept(ctx context.Context) error
	Shutdown(ctx context.Context) error
}
