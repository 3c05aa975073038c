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

// Package wstransport WebSocket 传输：入站与出站连接均为双工。
package wstransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"didcomm-agent/internal/transport"
	"didcomm-agent/pkg/log"
	"didcomm-agent/pkg/metrics"
)

const writeWait = 10 * time.Second

// Conn 包装 gorilla 连接；写操作串行化，读由 Pump 驱动
type Conn struct {
	*transport.State

	ws      *websocket.Conn
	pump    *transport.Pump
	writeMu sync.Mutex
}

func NewConn(ws *websocket.Conn) *Conn {
	c := &Conn{State: transport.NewState(transport.Duplex), ws: ws}
	c.pump = transport.StartPump(c.read, c.Done())
	return c
}

func (c *Conn) read() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (c *Conn) Next(ctx context.Context) ([]byte, error) {
	if err := c.EnsureRecv(); err != nil {
		return nil, err
	}
	data, err := c.pump.Next(ctx)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		// 对端断开后本端也不再可用
		_ = c.Close()
	}
	return data, err
}

func (c *Conn) Send(ctx context.Context, payload []byte) error {
	if err := c.EnsureSend(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (c *Conn) Close() error {
	if !c.MarkClosed() {
		return nil
	}
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// Opener 以 ws/wss endpoint 拨号
type Opener struct {
	dialer *websocket.Dialer
}

func NewOpener(handshakeTimeout time.Duration) *Opener {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 45 * time.Second
	}
	return &Opener{dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout}}
}

func (o *Opener) Open(ctx context.Context, svc transport.Service) (transport.Connection, error) {
	ws, _, err := o.dialer.DialContext(ctx, svc.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", transport.ErrCannotOpenConnection, svc.Endpoint, err)
	}
	return NewConn(ws), nil
}

// Options WebSocket 入站传输配置
type Options struct {
	Host string
	Port int
	Path string
}

// Inbound 接受 WebSocket 升级请求，每个会话作为一条双工连接交给 conductor
type Inbound struct {
	opts     Options
	intake   *transport.Intake
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	server *http.Server
}

func NewInbound(intake *transport.Intake, opts Options, logger *log.Logger) *Inbound {
	if opts.Path == "" {
		opts.Path = "/"
	}
	return &Inbound{
		opts:   opts,
		intake: intake,
		logger: logger.Component("ws"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Handler 升级请求并阻塞到连接关闭
func (t *Inbound) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.logger.Warn("WebSocket 升级失败", "error", err)
			return
		}
		conn := NewConn(ws)
		if err := t.intake.Put(r.Context(), conn); err != nil {
			_ = conn.Close()
			return
		}
		metrics.ConnectionsAccepted.WithLabelValues("ws").Inc()
		select {
		case <-conn.Done():
		case <-r.Context().Done():
			_ = conn.Close()
		}
	}
}

func (t *Inbound) Accept(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc(t.opts.Path, t.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", t.opts.Host, t.opts.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	t.mu.Lock()
	t.server = srv
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = t.Shutdown(shutdownCtx)
	}()
	t.logger.Info("WebSocket 入站传输启动", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws transport: %w", err)
	}
	return nil
}

func (t *Inbound) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	srv := t.server
	t.server = nil
	t.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
