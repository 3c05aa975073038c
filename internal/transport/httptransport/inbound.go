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

// Package httptransport HTTP 传输：每个 POST 请求是一条只收连接，收完即变为只发，回复写入 HTTP 响应。
package httptransport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	hertzconfig "github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/common/utils"
	hertzslog "github.com/hertz-contrib/logger/slog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"didcomm-agent/internal/transport"
	"didcomm-agent/pkg/log"
	"didcomm-agent/pkg/metrics"
)

// ContentType agent wire 消息的 MIME 类型
const ContentType = "application/ssi-agent-wire"

// DefaultResponseTimeout 等待 conductor 回复的时长
const DefaultResponseTimeout = 5 * time.Second

// InboundConnection 一次 HTTP 请求对应的连接
type InboundConnection struct {
	*transport.State

	mu        sync.Mutex
	body      []byte
	delivered bool
	reply     []byte
}

func NewInboundConnection(body []byte) *InboundConnection {
	return &InboundConnection{State: transport.NewState(transport.Recv), body: body}
}

// Next 只产出一次请求体，随后连接变为只发
func (c *InboundConnection) Next(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.delivered {
		return nil, io.EOF
	}
	if err := c.EnsureRecv(); err != nil {
		return nil, err
	}
	c.delivered = true
	c.SetCapabilities(transport.Send)
	return c.body, nil
}

// Send 记录回复并关闭连接；HTTP 请求只能回复一次
func (c *InboundConnection) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	if err := c.EnsureSend(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.reply = append([]byte(nil), payload...)
	c.mu.Unlock()
	return c.Close()
}

func (c *InboundConnection) Close() error {
	c.MarkClosed()
	return nil
}

// Reply 连接关闭前写入的回复，没有则为 nil
func (c *InboundConnection) Reply() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reply
}

// Deliver 将请求体交给 conductor，等待连接关闭或超时；有回复返回 200，否则 202
func Deliver(ctx context.Context, intake *transport.Intake, body []byte, timeout time.Duration) (int, []byte) {
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	conn := NewInboundConnection(append([]byte(nil), body...))
	if err := intake.Put(ctx, conn); err != nil {
		return http.StatusServiceUnavailable, nil
	}
	metrics.ConnectionsAccepted.WithLabelValues("http").Inc()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.Wait(waitCtx); err != nil {
		_ = conn.Close()
	}
	if reply := conn.Reply(); reply != nil {
		return http.StatusOK, reply
	}
	return http.StatusAccepted, nil
}

// PostHandler net/http 版本，供 httpws 组合传输复用
func PostHandler(intake *transport.Intake, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		status, reply := Deliver(r.Context(), intake, body, timeout)
		if reply != nil {
			w.Header().Set("Content-Type", ContentType)
			w.WriteHeader(status)
			_, _ = w.Write(reply)
			return
		}
		w.WriteHeader(status)
	}
}

// Options HTTP 入站传输配置
type Options struct {
	Host            string
	Port            int
	ResponseTimeout time.Duration
	RateLimitRPS    int
	ExposeMetrics   bool
	Tracing         bool
	LogLevel        string
}

// Inbound 基于 Hertz 的 HTTP 入站传输
type Inbound struct {
	opts   Options
	intake *transport.Intake
	logger *log.Logger

	mu    sync.Mutex
	hertz *server.Hertz
}

func NewInbound(intake *transport.Intake, opts Options, logger *log.Logger) *Inbound {
	return &Inbound{opts: opts, intake: intake, logger: logger.Component("http")}
}

func (t *Inbound) addr() string {
	return fmt.Sprintf("%s:%d", t.opts.Host, t.opts.Port)
}

// Build 构造 Hertz 实例并注册路由；测试中配合 ut.PerformRequest 使用
func (t *Inbound) Build(addr string, extra ...hertzconfig.Option) *server.Hertz {
	opts := append([]hertzconfig.Option{server.WithHostPorts(addr), server.WithExitWaitTime(time.Second)}, extra...)
	var tracerCfg *hertztracing.Config
	if t.opts.Tracing {
		tracerOpt, cfg := hertztracing.NewServerTracer()
		opts = append(opts, tracerOpt)
		tracerCfg = cfg
	}
	h := server.New(opts...)
	if tracerCfg != nil {
		h.Use(hertztracing.ServerMiddleware(tracerCfg))
	}
	if t.opts.RateLimitRPS > 0 {
		h.Use(RateLimit(t.opts.RateLimitRPS))
	}
	h.POST("/", t.handlePost)
	h.GET("/health", func(ctx context.Context, c *app.RequestContext) {
		c.JSON(http.StatusOK, utils.H{"status": "ok"})
	})
	if t.opts.ExposeMetrics {
		h.GET("/metrics", func(ctx context.Context, c *app.RequestContext) {
			var buf bytes.Buffer
			if err := metrics.WritePrometheus(&buf); err != nil {
				c.String(http.StatusInternalServerError, err.Error())
				return
			}
			c.Data(http.StatusOK, "text/plain; version=0.0.4", buf.Bytes())
		})
	}
	return h
}

func (t *Inbound) handlePost(ctx context.Context, c *app.RequestContext) {
	status, reply := Deliver(ctx, t.intake, c.Request.Body(), t.opts.ResponseTimeout)
	if reply != nil {
		c.Data(status, ContentType, reply)
		return
	}
	c.SetStatusCode(status)
}

// Accept 启动 HTTP 服务，ctx 结束时关闭
func (t *Inbound) Accept(ctx context.Context) error {
	hlog.SetLogger(hertzslog.NewLogger(hertzslog.WithLevel(hertzLevel(t.opts.LogLevel))))
	h := t.Build(t.addr())
	t.mu.Lock()
	t.hertz = h
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = t.Shutdown(shutdownCtx)
	}()
	t.logger.Info("HTTP 入站传输启动", "addr", t.addr())
	if err := h.Run(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http transport: %w", err)
	}
	return nil
}

func (t *Inbound) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	h := t.hertz
	t.hertz = nil
	t.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Shutdown(ctx)
}
