// Package stdtransport 从标准输入读取、向标准输出写入，便于本地调试与管道组合
package stdtransport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"didcomm-agent/internal/transport"
	"didcomm-agent/pkg/log"
	"didcomm-agent/pkg/metrics"
)

// Scheme 出站 endpoint 使用 "stdout:" 时选择本传输
const Scheme = "stdout"

// InConnection 只收连接：空行分隔的若干段为一条条负载
type InConnection struct {
	*transport.State
	pump *transport.Pump
}

func NewInConnection(r io.Reader) *InConnection {
	c := &InConnection{State: transport.NewState(transport.Recv)}
	c.pump = transport.StartPump(splitter(bufio.NewReader(r)), c.Done())
	return c
}

func splitter(r *bufio.Reader) func() ([]byte, error) {
	return func() ([]byte, error) {
		var buf bytes.Buffer
		for {
			line, err := r.ReadString('\n')
			if strings.TrimRight(line, "\r\n") == "" && err == nil {
				if buf.Len() > 0 {
					return buf.Bytes(), nil
				}
				continue
			}
			buf.WriteString(line)
			if err != nil {
				if buf.Len() > 0 && strings.TrimSpace(buf.String()) != "" {
					return bytes.TrimRight(buf.Bytes(), "\r\n"), nil
				}
				return nil, err
			}
		}
	}
}

func (c *InConnection) Next(ctx context.Context) ([]byte, error) {
	if err := c.EnsureRecv(); err != nil {
		return nil, err
	}
	return c.pump.Next(ctx)
}

func (c *InConnection) Send(ctx context.Context, payload []byte) error {
	return c.EnsureSend()
}

func (c *InConnection) Close() error {
	c.MarkClosed()
	return nil
}

// Inbound 启动时投递唯一一条 stdin 连接
type Inbound struct {
	in     io.Reader
	intake *transport.Intake
	logger *log.Logger
}

func NewInbound(intake *transport.Intake, in io.Reader, logger *log.Logger) *Inbound {
	if in == nil {
		in = os.Stdin
	}
	return &Inbound{in: in, intake: intake, logger: logger.Component("std")}
}

func (t *Inbound) Accept(ctx context.Context) error {
	t.logger.Info("从标准输入接收消息")
	conn := NewInConnection(t.in)
	if err := t.intake.Put(ctx, conn); err != nil {
		return err
	}
	metrics.ConnectionsAccepted.WithLabelValues("std").Inc()
	<-ctx.Done()
	return nil
}

func (t *Inbound) Shutdown(ctx context.Context) error { return nil }

// OutConnection 每次 Send 输出一行
type OutConnection struct {
	*transport.State
	mu *sync.Mutex
	w  io.Writer
}

func (c *OutConnection) Send(ctx context.Context, payload []byte) error {
	if err := c.EnsureSend(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintf(c.w, "%s\n", payload); err != nil {
		return fmt.Errorf("write stdout: %w", err)
	}
	return nil
}

func (c *OutConnection) Next(ctx context.Context) ([]byte, error) {
	if err := c.EnsureRecv(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (c *OutConnection) Close() error {
	c.MarkClosed()
	return nil
}

// Opener 所有 OutConnection 共享同一 writer
type Opener struct {
	mu sync.Mutex
	w  io.Writer
}

func NewOpener(w io.Writer) *Opener {
	if w == nil {
		w = os.Stdout
	}
	return &Opener{w: w}
}

func (o *Opener) Open(ctx context.Context, svc transport.Service) (transport.Connection, error) {
	return &OutConnection{State: transport.NewState(transport.Send), mu: &o.mu, w: o.w}, nil
}
