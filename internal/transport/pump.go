package transport

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Pump 在独立 goroutine 中反复调用阻塞式 read，使 Next 可以响应 ctx 取消与连接关闭
type Pump struct {
	ch   chan []byte
	stop <-chan struct{}

	mu  sync.Mutex
	err error
}

// StartPump stop 关闭后 goroutine 在下一次投递时退出
func StartPump(read func() ([]byte, error), stop <-chan struct{}) *Pump {
	p := &Pump{ch: make(chan []byte), stop: stop}
	go p.run(read)
	return p
}

func (p *Pump) run(read func() ([]byte, error)) {
	defer close(p.ch)
	for {
		b, err := read()
		if err != nil {
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			return
		}
		select {
		case p.ch <- b:
		case <-p.stop:
			return
		}
	}
}

// Next 读取下一段；read 返回 io.EOF 时 Next 返回 io.EOF
func (p *Pump) Next(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-p.ch:
		if ok {
			return b, nil
		}
		return nil, p.finalErr()
	case <-p.stop:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pump) finalErr() error {
	select {
	case <-p.stop:
		return ErrConnectionClosed
	default:
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil || errors.Is(p.err, io.EOF) {
		return io.EOF
	}
	return p.err
}
