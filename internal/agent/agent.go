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

// Package agent 组合 wallet、conductor、入站传输与 dispatcher，驱动 recv -> dispatch -> handled 主循环。
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"didcomm-agent/internal/conductor"
	"didcomm-agent/internal/dispatcher"
	"didcomm-agent/internal/pack"
	"didcomm-agent/internal/storage/cache"
	"didcomm-agent/internal/transport"
	"didcomm-agent/internal/transport/httptransport"
	"didcomm-agent/internal/transport/httpws"
	"didcomm-agent/internal/transport/stdtransport"
	"didcomm-agent/internal/transport/wstransport"
	"didcomm-agent/internal/wallet"
	"didcomm-agent/pkg/config"
	"didcomm-agent/pkg/log"
	"didcomm-agent/pkg/message"
	"didcomm-agent/pkg/secrets"
	"didcomm-agent/pkg/tracing"
)

// ErrUnknownTransport 配置了未支持的入站传输名
var ErrUnknownTransport = errors.New("agent: unknown inbound transport")

// Agent 入口：持有 wallet、conductor、dispatcher 与入站传输
type Agent struct {
	cfg        *config.Config
	logger     *log.Logger
	wallet     *wallet.Wallet
	conductor  *conductor.Conductor
	dispatcher *dispatcher.Dispatcher
	transports []transport.Inbound
	pending    conductor.PendingStore
	tracer     tracing.Provider

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
}

type options struct {
	logger *log.Logger
	stdin  io.Reader
	stdout io.Writer
}

// Option 可选配置
type Option func(*options)

// WithLogger 使用外部 Logger，忽略 cfg.Log
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStdio 替换 std 传输使用的输入输出，默认 os.Stdin / os.Stdout
func WithStdio(in io.Reader, out io.Writer) Option {
	return func(o *options) {
		o.stdin = in
		o.stdout = out
	}
}

// New 根据配置创建 Agent：打开 wallet，构建出站注册表、待发队列、conductor 与入站传输
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Agent, error) {
	if cfg == nil {
		return nil, fmt.Errorf("agent: config is nil")
	}
	o := &options{}
	for _, fn := range opts {
		fn(o)
	}
	logger := o.logger
	if logger == nil {
		l, err := log.NewLogger(&log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
		if err != nil {
			return nil, fmt.Errorf("初始化日志失败: %w", err)
		}
		logger = l
	}

	a := &Agent{cfg: cfg, logger: logger.Component("agent")}
	if err := a.build(ctx, o, logger); err != nil {
		_ = a.closeStores(ctx)
		return nil, err
	}
	return a, nil
}

func (a *Agent) build(ctx context.Context, o *options, logger *log.Logger) error {
	cfg := a.cfg
	if cfg.Monitoring.Tracing.Enable {
		tp, err := tracing.NewProvider(tracing.OTelConfig{
			ServiceName:    cfg.Monitoring.Tracing.ServiceName,
			ExportEndpoint: cfg.Monitoring.Tracing.ExportEndpoint,
			Insecure:       cfg.Monitoring.Tracing.Insecure,
		}, hasHertz(cfg.Transport))
		if err != nil {
			return fmt.Errorf("初始化 tracing 失败: %w", err)
		}
		a.tracer = tp
	}

	sec, err := secrets.NewStore(cfg.Storage.Secrets)
	if err != nil {
		return fmt.Errorf("初始化密钥存储失败: %w", err)
	}
	meta, err := cache.NewCache(ctx, cfg.Storage.Metadata, cfg.Wallet.Name)
	if err != nil {
		return fmt.Errorf("初始化元数据存储失败: %w", err)
	}
	w, err := wallet.Open(ctx, cfg.Wallet, sec, meta)
	if err != nil {
		_ = meta.Close()
		return fmt.Errorf("打开 wallet 失败: %w", err)
	}
	a.wallet = w

	switch cfg.Storage.Pending.Type {
	case "", "memory":
		a.pending = conductor.NewMemoryPending()
	case "postgres":
		p, err := conductor.NewPgPending(ctx, cfg.Storage.Pending.DSN)
		if err != nil {
			return err
		}
		a.pending = p
	default:
		return fmt.Errorf("unsupported pending store type: %s", cfg.Storage.Pending.Type)
	}

	intake := transport.NewIntake(cfg.Conductor.IntakeSize)
	reg := newRegistry(cfg.Conductor, o.stdout)
	logger.Debug("出站传输", "schemes", reg.Schemes())
	c, err := conductor.New(conductor.Options{
		Intake:          intake,
		Packer:          pack.New(w),
		Directory:       w,
		Outbound:        reg,
		Pending:         a.pending,
		ShutdownTimeout: cfg.Conductor.ShutdownTimeout,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	a.conductor = c

	for _, tc := range cfg.Transport {
		t, err := newInbound(tc, cfg, intake, o.stdin, logger)
		if err != nil {
			return err
		}
		a.transports = append(a.transports, t)
	}
	a.dispatcher = dispatcher.New(logger)
	return nil
}

func hasHertz(ts []config.TransportConfig) bool {
	for _, t := range ts {
		if t.Name == "http" {
			return true
		}
	}
	return false
}

// newRegistry 出站连接按 endpoint scheme 选择传输
func newRegistry(cfg config.ConductorConfig, stdout io.Writer) *transport.Registry {
	reg := transport.NewRegistry()
	h := httptransport.NewOpener(cfg.OutboundTimeout)
	reg.Register("http", h)
	reg.Register("https", h)
	ws := wstransport.NewOpener(cfg.OutboundTimeout)
	reg.Register("ws", ws)
	reg.Register("wss", ws)
	reg.Register(stdtransport.Scheme, stdtransport.NewOpener(stdout))
	return reg
}

func newInbound(tc config.TransportConfig, cfg *config.Config, intake *transport.Intake, stdin io.Reader, logger *log.Logger) (transport.Inbound, error) {
	opt := tc.Options
	switch tc.Name {
	case "http":
		return httptransport.NewInbound(intake, httptransport.Options{
			Host:            opt.Host,
			Port:            opt.Port,
			ResponseTimeout: cfg.Conductor.ResponseTimeout,
			RateLimitRPS:    opt.RateLimitRPS,
			ExposeMetrics:   cfg.Monitoring.Prometheus.Enable,
			Tracing:         cfg.Monitoring.Tracing.Enable,
			LogLevel:        cfg.Log.Level,
		}, logger), nil
	case "ws":
		return wstransport.NewInbound(intake, wstransport.Options{Host: opt.Host, Port: opt.Port, Path: opt.Path}, logger), nil
	case "http+ws":
		return httpws.NewInbound(intake, httpws.Options{Host: opt.Host, Port: opt.Port, ResponseTimeout: cfg.Conductor.ResponseTimeout}, logger), nil
	case "std":
		return stdtransport.NewInbound(intake, stdin, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, tc.Name)
	}
}

func (a *Agent) Wallet() *wallet.Wallet { return a.wallet }

func (a *Agent) Conductor() *conductor.Conductor { return a.conductor }

func (a *Agent) Dispatcher() *dispatcher.Dispatcher { return a.dispatcher }

// Start 并发运行入站传输、conductor 接受循环与主循环，直到 Shutdown 或任一部分出错
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil || a.stopped {
		a.mu.Unlock()
		return fmt.Errorf("agent: already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()
	defer cancel()

	a.logger.Info("启动 agent", "wallet", a.wallet.Name(), "transports", len(a.transports))
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range a.transports {
		t := t
		g.Go(func() error { return t.Accept(gctx) })
	}
	g.Go(func() error { return a.conductor.Start(gctx) })
	g.Go(func() error { return a.mainLoop(gctx) })
	return g.Wait()
}

// mainLoop 取消息、分发、确认；路由失败只记录，不终止循环
func (a *Agent) mainLoop(ctx context.Context) error {
	for {
		msg, err := a.conductor.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := a.dispatcher.Dispatch(ctx, msg); err != nil {
			if errors.Is(err, dispatcher.ErrNoRegisteredRoute) {
				a.logger.Warn("没有匹配的路由", "type", msg.Type(), "id", msg.ID())
			} else {
				a.logger.Error("处理消息失败", "type", msg.Type(), "id", msg.ID(), "error", err)
			}
		}
		if err := a.conductor.MessageHandled(); err != nil {
			a.logger.Error("确认消息失败", "error", err)
		}
	}
}

// Send 见 Conductor.Send
func (a *Agent) Send(ctx context.Context, msg *message.Message, toKey string, opts *conductor.SendOptions) error {
	return a.conductor.Send(ctx, msg, toKey, opts)
}

func (a *Agent) Route(typeURI string, h dispatcher.Handler) { a.dispatcher.Route(typeURI, h) }

func (a *Agent) RegisterModule(m dispatcher.Module) error { return a.dispatcher.RegisterModule(m) }

func (a *Agent) ClearRoutes() { a.dispatcher.ClearRoutes() }

func (a *Agent) ClearModules() { a.dispatcher.ClearModules() }

// Shutdown 停止入站传输，关闭 conductor（主循环继续消费直到队列处理完或超时），再停止运行组并关闭存储
func (a *Agent) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	cancel := a.cancel
	a.mu.Unlock()

	var errs []error
	for _, t := range a.transports {
		if err := t.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.conductor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("conductor shutdown: %w", err))
	}
	if cancel != nil {
		cancel()
	}
	if err := a.closeStores(ctx); err != nil {
		errs = append(errs, err)
	}
	a.logger.Info("agent 已关闭")
	return errors.Join(errs...)
}

func (a *Agent) closeStores(ctx context.Context) error {
	var errs []error
	if a.wallet != nil {
		if err := a.wallet.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c, ok := a.pending.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
