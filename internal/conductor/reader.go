package conductor

import (
	"bytes"
	"context"
	"errors"
	"io"

	"didcomm-agent/internal/pack"
	"didcomm-agent/internal/transport"
	"didcomm-agent/pkg/message"
	"didcomm-agent/pkg/metrics"
	"didcomm-agent/pkg/mtc"
	"didcomm-agent/pkg/tracing"
)

const (
	plaintextAffirmed = mtc.DeserializeOK
	plaintextDenied   = mtc.Confidentiality | mtc.Integrity | mtc.Nonrepudiation | mtc.AuthenticatedOrigin | mtc.LimitedScope
	encryptedAffirmed = mtc.Confidentiality | mtc.Integrity | mtc.DeserializeOK
	encryptedDenied   = mtc.Nonrepudiation
)

// messageReader 持有连接的读锁，逐条读取直到流结束或任务被取消
func (c *Conductor) messageReader(ctx context.Context, conn transport.Connection) {
	lock := conn.RecvLock()
	if err := lock.Lock(ctx); err != nil {
		return
	}
	defer lock.Unlock()
	c.readLocked(ctx, conn)
}

func (c *Conductor) readLocked(ctx context.Context, conn transport.Connection) {
	for conn.CanRecv() && !conn.Closed() {
		payload, err := conn.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, transport.ErrConnectionClosed) {
				c.logger.Warn("读取连接失败", "error", err)
				_ = conn.Close()
			}
			return
		}
		if len(bytes.TrimSpace(payload)) == 0 {
			continue
		}

		msg, err := c.unpack(ctx, payload)
		if err != nil {
			metrics.MessagesReceived.WithLabelValues("invalid").Inc()
			c.logger.Warn("无法解析入站消息，关闭连接", "error", err)
			_ = conn.Close()
			return
		}
		trust := msg.MTC()

		if !trust.Affirmed().Has(mtc.Confidentiality) {
			metrics.MessagesReceived.WithLabelValues("plaintext").Inc()
			c.logger.Warn("丢弃明文消息", "type", msg.Type(), "id", msg.ID())
			_ = conn.Close()
			continue
		}

		c.applyTransport(ctx, conn, msg)
		// 投递前回送通道已登记
		c.inbound.put(msg)
	}
}

// applyTransport 按认证结果与 ~transport 决定连接去留、回送通道登记和对端队列拉取
func (c *Conductor) applyTransport(ctx context.Context, conn transport.Connection, msg *message.Message) {
	trust := msg.MTC()
	if !trust.Affirmed().Has(mtc.AuthenticatedOrigin) {
		metrics.MessagesReceived.WithLabelValues("anoncrypt").Inc()
		_ = conn.Close()
		return
	}
	metrics.MessagesReceived.WithLabelValues("authcrypt").Inc()

	senderKey := trust.AD(mtc.SenderKey)
	recipKey := trust.AD(mtc.RecipientKey)
	td, ok := msg.Transport()
	if ok && td.HasPendingCount && td.PendingMessageCount > 0 {
		senderDID := trust.AD(mtc.SenderDID)
		c.tasks.spawn(c.runCtx, false, func(ctx context.Context) {
			c.pollRemoteQueue(ctx, senderKey, senderDID, recipKey)
		})
	}

	if !ok || !td.HasReturnRoute {
		// 未要求回送且连接不会再有数据
		if !conn.CanRecv() {
			_ = conn.Close()
		}
		return
	}

	metrics.ReturnRoutes.WithLabelValues(returnRouteLabel(td.ReturnRoute)).Inc()
	switch td.ReturnRoute {
	case message.ReturnRouteAll:
		c.registerReturnRoute(ctx, senderKey, conn)
	case message.ReturnRouteNone:
		c.mu.Lock()
		delete(c.open, senderKey)
		metrics.OpenConnections.Set(float64(len(c.open)))
		c.mu.Unlock()
	case message.ReturnRouteThread:
		c.logger.Debug("暂不支持 thread 级 return route", "sender_vk", senderKey)
	default:
		c.logger.Debug("未知 return_route 取值", "value", td.ReturnRoute)
	}
}

func returnRouteLabel(v string) string {
	switch v {
	case message.ReturnRouteAll, message.ReturnRouteNone, message.ReturnRouteThread:
		return v
	default:
		return "other"
	}
}

// registerReturnRoute 把连接登记为 key 的回送通道，并在锁内检查待发队列
func (c *Conductor) registerReturnRoute(ctx context.Context, key string, conn transport.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open[key] != conn {
		c.open[key] = conn
		metrics.OpenConnections.Set(float64(len(c.open)))
		c.tasks.spawn(c.runCtx, false, func(context.Context) {
			select {
			case <-conn.Done():
			case <-c.closing:
			}
			c.forget(key, conn)
		})
	}
	n, err := c.pending.Len(ctx, key)
	if err != nil {
		c.logger.Warn("读取待发队列长度失败", "to_key", key, "error", err)
		return
	}
	if n > 0 {
		c.tasks.spawn(c.runCtx, false, func(ctx context.Context) {
			c.sendPending(ctx, conn, key)
		})
	}
}

// unpack 解包并建立消息信任上下文；非信封负载按明文解析
func (c *Conductor) unpack(ctx context.Context, wire []byte) (*message.Message, error) {
	ctx, span := tracing.StartUnpackSpan(ctx)
	defer span.End()

	res, err := c.packer.Unpack(ctx, wire)
	if errors.Is(err, pack.ErrNotEncrypted) {
		msg, err := message.Deserialize(wire)
		if err != nil {
			return nil, err
		}
		trust, err := mtc.New(plaintextAffirmed, plaintextDenied, nil)
		if err != nil {
			return nil, err
		}
		msg.SetMTC(trust)
		return msg, nil
	}
	if err != nil {
		return nil, err
	}

	msg, err := message.Deserialize(res.Plaintext)
	if err != nil {
		return nil, err
	}
	affirmed, denied := encryptedAffirmed, encryptedDenied
	if res.SenderKey != "" {
		affirmed |= mtc.AuthenticatedOrigin
	} else {
		denied |= mtc.AuthenticatedOrigin
	}
	ad := map[string]string{mtc.RecipientKey: res.RecipientKey}
	if did, err := c.dir.DIDForKey(ctx, res.RecipientKey); err == nil && did != "" {
		ad[mtc.RecipientDID] = did
	}
	if res.SenderKey != "" {
		ad[mtc.SenderKey] = res.SenderKey
		if did, err := c.dir.DIDForKey(ctx, res.SenderKey); err == nil && did != "" {
			ad[mtc.SenderDID] = did
		}
	}
	trust, err := mtc.New(affirmed, denied, ad)
	if err != nil {
		return nil, err
	}
	msg.SetMTC(trust)
	return msg, nil
}
