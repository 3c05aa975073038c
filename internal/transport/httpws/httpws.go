// Package httpws 在同一端口上同时接受 HTTP POST 与 WebSocket 升级
package httpws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"didcomm-agent/internal/transport"
	"didcomm-agent/internal/transport/httptransport"
	"didcomm-agent/internal/transport/wstransport"
	"didcomm-agent/pkg/log"
)

type Options struct {
	Host            string
	Port            int
	ResponseTimeout time.Duration
}

type Inbound struct {
	opts   Options
	logger *log.Logger
	ws     *wstransport.Inbound
	post   http.HandlerFunc

	mu     sync.Mutex
	server *http.Server
}

func NewInbound(intake *transport.Intake, opts Options, logger *log.Logger) *Inbound {
	return &Inbound{
		opts:   opts,
		logger: logger.Component("httpws"),
		ws:     wstransport.NewInbound(intake, wstransport.Options{}, logger),
		post:   httptransport.PostHandler(intake, opts.ResponseTimeout),
	}
}

// Handler GET 升级走 WebSocket，POST 走 HTTP
func (t *Inbound) Handler() http.Handler {
	wsHandler := t.ws.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case websocket.IsWebSocketUpgrade(r):
			wsHandler(w, r)
		case r.Method == http.MethodPost:
			t.post(w, r)
		default:
			w.Header().Set("Allow", "GET, POST")
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

func (t *Inbound) Accept(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", t.opts.Host, t.opts.Port),
		Handler:           t.Handler(),
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
	t.logger.Info("HTTP+WebSocket 入站传输启动", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("httpws transport: %w", err)
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
