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

// Package transport 定义连接抽象：能力位、关闭信号、接收互斥锁，以及入站连接队列与出站连接选择。
// 具体的字节收发由 httptransport / wstransport / stdtransport 实现。
package transport

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrConnectionClosed 连接关闭后再调用 Send/Next
	ErrConnectionClosed = errors.New("connection closed")
	// ErrUnsupportedCapability 当前能力不支持该操作（如只收连接调用 Send）
	ErrUnsupportedCapability = errors.New("unsupported connection capability")
	// ErrCannotOpenConnection 元数据不足或网络失败，无法打开出站连接
	ErrCannotOpenConnection = errors.New("cannot open connection")
)

// Capability 连接能力位
type Capability uint8

const (
	Undefined Capability = 0
	Recv      Capability = 1 << 0
	Send      Capability = 1 << 1
	Duplex               = Recv | Send
)

func (c Capability) String() string {
	switch c {
	case Recv:
		return "recv"
	case Send:
		return "send"
	case Duplex:
		return "duplex"
	default:
		return "undefined"
	}
}

// Connection 传输无关的连接句柄。
//
// Next 以拉取方式读取下一段负载：流正常结束返回 io.EOF，读取期间连接关闭返回 ErrConnectionClosed。
// 一条连接的入站流不可重启。
type Connection interface {
	Next(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, payload []byte) error
	Close() error
	Closed() bool
	// Done 在连接关闭时被 close
	Done() <-chan struct{}
	CanSend() bool
	CanRecv() bool
	RecvLock() *RecvLock
}

// State 各连接实现共享的能力/关闭状态，供嵌入
type State struct {
	mu        sync.RWMutex
	caps      Capability
	done      chan struct{}
	closeOnce sync.Once
	recvLock  *RecvLock
}

// NewState 以初始能力创建状态
func NewState(caps Capability) *State {
	return &State{
		caps:     caps,
		done:     make(chan struct{}),
		recvLock: NewRecvLock(),
	}
}

func (s *State) Capabilities() Capability {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.caps
}

// SetCapabilities 由传输在阶段切换时调用，例如 HTTP 入站连接读完请求后变为只发
func (s *State) SetCapabilities(c Capability) {
	s.mu.Lock()
	s.caps = c
	s.mu.Unlock()
}

func (s *State) CanSend() bool { return s.Capabilities()&Send != 0 }

func (s *State) CanRecv() bool { return s.Capabilities()&Recv != 0 }

func (s *State) IsDuplex() bool { return s.Capabilities() == Duplex }

func (s *State) Done() <-chan struct{} { return s.done }

func (s *State) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// MarkClosed 幂等；仅首次调用返回 true，实现方据此释放底层资源
func (s *State) MarkClosed() bool {
	first := false
	s.closeOnce.Do(func() {
		close(s.done)
		first = true
	})
	return first
}

// Wait 阻塞直到连接关闭或 ctx 结束
func (s *State) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *State) RecvLock() *RecvLock { return s.recvLock }

// EnsureSend 关闭优先于能力检查
func (s *State) EnsureSend() error {
	if s.Closed() {
		return ErrConnectionClosed
	}
	if !s.CanSend() {
		return ErrUnsupportedCapability
	}
	return nil
}

func (s *State) EnsureRecv() error {
	if s.Closed() {
		return ErrConnectionClosed
	}
	if !s.CanRecv() {
		return ErrUnsupportedCapability
	}
	return nil
}

// RecvLock 保证同一时刻只有一个读循环在消费连接的入站流；获取可被 ctx 取消
type RecvLock struct {
	ch chan struct{}
}

func NewRecvLock() *RecvLock {
	return &RecvLock{ch: make(chan struct{}, 1)}
}

func (l *RecvLock) Lock(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *RecvLock) TryLock() bool {
	select {
	case l.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *RecvLock) Unlock() {
	select {
	case <-l.ch:
	default:
		panic("transport: unlock of unlocked RecvLock")
	}
}

func (l *RecvLock) Locked() bool { return len(l.ch) == 1 }
