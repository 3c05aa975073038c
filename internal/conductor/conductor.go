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

// Package conductor 汇聚入站连接、解包并分类消息、维护 return route 与待发队列，驱动出站发送。
package conductor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"didcomm-agent/internal/pack"
	"didcomm-agent/internal/transport"
	"didcomm-agent/pkg/errors"
	"didcomm-agent/pkg/log"
	"didcomm-agent/pkg/message"
	"didcomm-agent/pkg/metrics"
	"didcomm-agent/pkg/tracing"
)

// DefaultShutdownTimeout 关闭时等待入站队列处理完成的上限
const DefaultShutdownTimeout = 5 * time.Second

// Packer 加解密服务
type Packer interface {
	Pack(ctx context.Context, plaintext []byte, recipientKeys []string, senderKey string) ([]byte, error)
	Unpack(ctx context.Context, wire []byte) (*pack.Unpacked, error)
}

// Directory 身份与服务元数据查询，通常由 wallet 实现
type Directory interface {
	LookupService(ctx context.Context, verkey, did string) (transport.Service, error)
	DIDForKey(ctx context.Context, verkey string) (string, error)
}

// Outbound 按服务描述打开出站连接，通常为 *transport.Registry
type Outbound interface {
	Open(ctx context.Context, svc transport.Service) transport.OpenResult
}

// Options 构造参数；Pending 为空时使用内存队列
type Options struct {
	Intake          *transport.Intake
	Packer          Packer
	Directory       Directory
	Outbound        Outbound
	Pending         PendingStore
	ShutdownTimeout time.Duration
	Logger          *log.Logger
}

// SendOptions 出站可选参数；Service 非空时不再查询 Directory
type SendOptions struct {
	FromKey string
	ToDID   string
	Service *transport.Service
}

// Conductor 并发安全
type Conductor struct {
	intake          *transport.Intake
	packer          Packer
	dir             Directory
	outbound        Outbound
	pending         PendingStore
	shutdownTimeout time.Duration
	logger          *log.Logger

	inbound *inboundQueue
	tasks   *taskGroup
	runCtx  context.Context

	// mu 保护 open，并使“检查连接、否则入队”与 return route 登记互斥
	mu   sync.Mutex
	open map[string]transport.Connection

	stopOnce  sync.Once
	stopped   chan struct{}
	closeOnce sync.Once
	closing   chan struct{}
}

func New(opts Options) (*Conductor, error) {
	if opts.Intake == nil || opts.Packer == nil || opts.Directory == nil || opts.Outbound == nil {
		return nil, errors.Wrap(errors.ErrInvalidArg, "conductor: intake, packer, directory and outbound are required")
	}
	if opts.Pending == nil {
		opts.Pending = NewMemoryPending()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Conductor{
		intake:          opts.Intake,
		packer:          opts.Packer,
		dir:             opts.Directory,
		outbound:        opts.Outbound,
		pending:         opts.Pending,
		shutdownTimeout: opts.ShutdownTimeout,
		logger:          opts.Logger.Component("conductor"),
		inbound:         newInboundQueue(),
		tasks:           newTaskGroup(),
		runCtx:          context.Background(),
		open:            make(map[string]transport.Connection),
		stopped:         make(chan struct{}),
		closing:         make(chan struct{}),
	}, nil
}

// Start 接受循环：从 Intake 取新连接并为每条连接启动读任务；Shutdown 或 ctx 结束时返回
func (c *Conductor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopped:
			cancel()
		case <-ctx.Done():
		}
	}()
	c.logger.Info("conductor 开始接受连接")
	for {
		conn, err := c.intake.Get(ctx)
		if err != nil {
			return nil
		}
		c.logger.Debug("接受新连接")
		if !c.tasks.spawn(c.runCtx, true, func(ctx context.Context) { c.messageReader(ctx, conn) }) {
			_ = conn.Close()
		}
	}
}

// Recv 取下一条已分类的入站消息；处理完成后须调用 MessageHandled
func (c *Conductor) Recv(ctx context.Context) (*message.Message, error) {
	return c.inbound.get(ctx)
}

// MessageHandled 确认一条 Recv 得到的消息已处理
func (c *Conductor) MessageHandled() error {
	return c.inbound.ack()
}

// Send 发送给 toKey：优先复用 return route 连接，否则打开新连接；无法打开时进入待发队列并返回 nil
func (c *Conductor) Send(ctx context.Context, msg *message.Message, toKey string, opts *SendOptions) error {
	if opts == nil {
		opts = &SendOptions{}
	}
	return c.send(ctx, msg, toKey, opts, true)
}

func (c *Conductor) send(ctx context.Context, msg *message.Message, toKey string, opts *SendOptions, retry bool) error {
	conn, reused := c.connectionFor(toKey), true
	route := "return_route"
	if conn == nil {
		res := c.openFor(ctx, toKey, opts)
		if !res.Opened() {
			var queued bool
			var err error
			conn, queued, err = c.enqueueUnlessOpen(ctx, Pending{Message: msg, ToKey: toKey, FromKey: opts.FromKey})
			if err != nil {
				return errors.Wrapf(err, "queue message for %s", toKey)
			}
			if queued {
				c.logger.Info("无法打开连接，消息进入待发队列", "to_key", toKey, "reason", res.Reason)
				return nil
			}
		} else {
			conn, reused, route = res.Conn, false, "direct"
		}
	}

	ctx, span := tracing.StartSendSpan(ctx, toKey, route)
	defer span.End()

	wire, err := c.packMessage(ctx, msg, toKey, opts.FromKey)
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, wire); err != nil {
		metrics.MessagesSent.WithLabelValues("failed").Inc()
		if reused && retry && errors.IsAny(err, transport.ErrConnectionClosed, transport.ErrUnsupportedCapability) {
			// return route 连接已不可发送，改走新连接或待发队列
			c.forget(toKey, conn)
			return c.send(ctx, msg, toKey, opts, false)
		}
		return errors.Wrapf(err, "send to %s", toKey)
	}
	metrics.MessagesSent.WithLabelValues(route).Inc()

	switch {
	case conn.Closed():
	case conn.CanRecv():
		c.rearm(conn)
	case !reused:
		_ = conn.Close()
	}
	return nil
}

func (c *Conductor) connectionFor(toKey string) transport.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.open[toKey]
	if !ok || conn.Closed() {
		return nil
	}
	return conn
}

func (c *Conductor) openFor(ctx context.Context, toKey string, opts *SendOptions) transport.OpenResult {
	var svc transport.Service
	if opts.Service != nil {
		svc = *opts.Service
	} else {
		s, err := c.dir.LookupService(ctx, toKey, opts.ToDID)
		if err != nil {
			metrics.ConnectionsOpened.WithLabelValues("failed").Inc()
			return transport.OpenResult{Reason: fmt.Errorf("%w: no service for %s: %v", transport.ErrCannotOpenConnection, toKey, err)}
		}
		svc = s
	}
	res := c.outbound.Open(ctx, svc)
	if res.Opened() {
		metrics.ConnectionsOpened.WithLabelValues("ok").Inc()
	} else {
		metrics.ConnectionsOpened.WithLabelValues("failed").Inc()
	}
	return res
}

// enqueueUnlessOpen 在锁内再次检查 open；期间若已有 return route 连接则返回该连接而不入队
func (c *Conductor) enqueueUnlessOpen(ctx context.Context, p Pending) (transport.Connection, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.open[p.ToKey]; ok && !conn.Closed() {
		return conn, false, nil
	}
	if err := c.pending.Push(ctx, p); err != nil {
		return nil, false, err
	}
	metrics.PendingQueued.Inc()
	metrics.MessagesSent.WithLabelValues("pending").Inc()
	return nil, true, nil
}

func (c *Conductor) packMessage(ctx context.Context, msg *message.Message, toKey, fromKey string) ([]byte, error) {
	body, err := msg.Serialize()
	if err != nil {
		return nil, err
	}
	wire, err := c.packer.Pack(ctx, body, []string{toKey}, fromKey)
	if err != nil {
		return nil, errors.Wrapf(err, "pack message for %s", toKey)
	}
	return wire, nil
}

// rearm 发送后连接仍可接收且无人在读时，启动新的读任务等待回复
func (c *Conductor) rearm(conn transport.Connection) {
	lock := conn.RecvLock()
	if !lock.TryLock() {
		return
	}
	ok := c.tasks.spawn(c.runCtx, true, func(ctx context.Context) {
		defer lock.Unlock()
		c.readLocked(ctx, conn)
	})
	if !ok {
		lock.Unlock()
	}
}

func (c *Conductor) forget(key string, conn transport.Connection) {
	c.mu.Lock()
	if c.open[key] == conn {
		delete(c.open, key)
		metrics.OpenConnections.Set(float64(len(c.open)))
	}
	c.mu.Unlock()
}

// sendPending 连接可发送期间依次发出待发消息，并标注剩余数量；发送失败的消息放回队首
func (c *Conductor) sendPending(ctx context.Context, conn transport.Connection, toKey string) {
	for conn.CanSend() && !conn.Closed() {
		p, ok, err := c.pending.Pop(ctx, toKey)
		if err != nil {
			c.logger.Warn("读取待发队列失败", "to_key", toKey, "error", err)
			return
		}
		if !ok {
			return
		}
		metrics.PendingQueued.Dec()
		remaining, err := c.pending.Len(ctx, toKey)
		if err != nil {
			remaining = 0
		}
		p.Message.SetPendingMessageCount(remaining)

		wire, err := c.packMessage(ctx, p.Message, toKey, p.FromKey)
		if err != nil {
			c.logger.Error("待发消息打包失败，已丢弃", "to_key", toKey, "id", p.Message.ID(), "error", err)
			continue
		}
		if err := conn.Send(ctx, wire); err != nil {
			c.logger.Warn("待发消息发送失败，放回队首", "to_key", toKey, "error", err)
			if err := c.pending.PushFront(ctx, p); err != nil {
				c.logger.Error("待发消息放回失败", "to_key", toKey, "error", err)
				return
			}
			metrics.PendingQueued.Inc()
			return
		}
		metrics.MessagesSent.WithLabelValues("return_route").Inc()
	}
}

// pollRemoteQueue 对端提示有积压时发送 noop 请求其沿连接回送
func (c *Conductor) pollRemoteQueue(ctx context.Context, toKey, toDID, fromKey string) {
	noop := message.NewNoop(true)
	if err := c.Send(ctx, noop, toKey, &SendOptions{ToDID: toDID, FromKey: fromKey}); err != nil {
		c.logger.Warn("拉取对端待发队列失败", "to_key", toKey, "error", err)
	}
}

// PendingCount 待发队列长度
func (c *Conductor) PendingCount(ctx context.Context, toKey string) (int, error) {
	return c.pending.Len(ctx, toKey)
}

// HasOpenConnection toKey 是否有存活的 return route 连接
func (c *Conductor) HasOpenConnection(toKey string) bool {
	return c.connectionFor(toKey) != nil
}

// Shutdown 依次：有限等待入站队列处理完成，关闭 return route 连接，取消读任务并等待其余后台任务
func (c *Conductor) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopped) })

	joinCtx, cancel := context.WithTimeout(ctx, c.shutdownTimeout)
	err := c.inbound.join(joinCtx)
	cancel()
	if err != nil {
		metrics.ShutdownDrainTimeouts.Inc()
		c.logger.Warn("等待入站消息处理超时，继续关闭", "unhandled", c.inbound.len(), "timeout", c.shutdownTimeout)
	}

	c.mu.Lock()
	conns := make([]transport.Connection, 0, len(c.open))
	for _, conn := range c.open {
		conns = append(conns, conn)
	}
	c.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}

	c.closeOnce.Do(func() { close(c.closing) })
	return c.tasks.drain(ctx)
}
