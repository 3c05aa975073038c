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

package httptransport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"didcomm-agent/internal/transport"
)

// Opener 出站 HTTP 连接；同一 resty.Client 在连接间共享
type Opener struct {
	client *resty.Client
}

func NewOpener(timeout time.Duration) *Opener {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Opener{
		client: resty.New().
			SetTimeout(timeout).
			SetHeader("Content-Type", ContentType),
	}
}

func (o *Opener) Open(ctx context.Context, svc transport.Service) (transport.Connection, error) {
	if svc.Endpoint == "" {
		return nil, fmt.Errorf("%w: missing service endpoint", transport.ErrCannotOpenConnection)
	}
	return &OutboundConnection{
		State:    transport.NewState(transport.Send),
		client:   o.client,
		endpoint: svc.Endpoint,
	}, nil
}

// OutboundConnection 一次 POST：202 直接关闭，2xx 带响应体时变为只收并产出该响应
type OutboundConnection struct {
	*transport.State

	client   *resty.Client
	endpoint string

	mu      sync.Mutex
	reply   []byte
	drained bool
}

func (c *OutboundConnection) Send(ctx context.Context, payload []byte) error {
	if err := c.EnsureSend(); err != nil {
		return err
	}
	resp, err := c.client.R().SetContext(ctx).SetBody(payload).Post(c.endpoint)
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("post %s: %w", c.endpoint, err)
	}
	body := resp.Body()
	switch {
	case resp.StatusCode() == http.StatusAccepted, resp.IsSuccess() && len(body) == 0:
		return c.Close()
	case resp.IsSuccess():
		c.mu.Lock()
		c.reply = append([]byte(nil), body...)
		c.mu.Unlock()
		c.SetCapabilities(transport.Recv)
		return nil
	default:
		_ = c.Close()
		return fmt.Errorf("post %s: unexpected status %d", c.endpoint, resp.StatusCode())
	}
}

// Next 产出 POST 响应体后关闭连接
func (c *OutboundConnection) Next(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drained {
		return nil, io.EOF
	}
	if err := c.EnsureRecv(); err != nil {
		return nil, err
	}
	reply := c.reply
	c.reply = nil
	c.drained = true
	c.MarkClosed()
	return reply, nil
}

func (c *OutboundConnection) Close() error {
	c.MarkClosed()
	return nil
}
