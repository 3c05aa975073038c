package conductor

import (
	"context"
	"errors"
	"sync"

	"didcomm-agent/pkg/message"
	"didcomm-agent/pkg/metrics"
)

// ErrNothingToAck MessageHandled 次数多于 Recv
var ErrNothingToAck = errors.New("conductor: message handled more times than received")

// inboundQueue 多生产者 FIFO；每次 get 需对应一次 ack，join 等待全部 ack
type inboundQueue struct {
	mu         sync.Mutex
	items      []*message.Message
	unfinished int
	ready      chan struct{}
	idle       chan struct{}
}

func newInboundQueue() *inboundQueue {
	idle := make(chan struct{})
	close(idle)
	return &inboundQueue{ready: make(chan struct{}, 1), idle: idle}
}

func (q *inboundQueue) put(m *message.Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.unfinished++
	if q.unfinished == 1 {
		q.idle = make(chan struct{})
	}
	q.mu.Unlock()
	metrics.InboundQueueDepth.Inc()
	q.signal()
}

func (q *inboundQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *inboundQueue) get(ctx context.Context) (*message.Message, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			m := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return m, nil
		}
		q.mu.Unlock()
		select {
		case <-q.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *inboundQueue) ack() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unfinished == 0 {
		return ErrNothingToAck
	}
	q.unfinished--
	metrics.InboundQueueDepth.Dec()
	if q.unfinished == 0 {
		close(q.idle)
	}
	return nil
}

// join 阻塞到所有已入队消息都被 ack
func (q *inboundQueue) join(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *inboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
