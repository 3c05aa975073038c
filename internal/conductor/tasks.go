package conductor

import (
	"context"
	"sync"
)

type task struct {
	cancel      context.CancelFunc
	done        chan struct{}
	cancellable bool
}

// taskGroup 后台任务登记；drain 时取消可取消任务，等待不可取消任务自然结束
type taskGroup struct {
	mu       sync.Mutex
	tasks    map[*task]struct{}
	draining bool
}

func newTaskGroup() *taskGroup {
	return &taskGroup{tasks: make(map[*task]struct{})}
}

// spawn 进入 drain 后拒绝新的可取消任务，返回 false
func (g *taskGroup) spawn(ctx context.Context, cancellable bool, fn func(ctx context.Context)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cancellable && g.draining {
		return false
	}
	if !cancellable {
		ctx = context.WithoutCancel(ctx)
	}
	tctx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{}), cancellable: cancellable}
	g.tasks[t] = struct{}{}
	go func() {
		defer func() {
			cancel()
			g.mu.Lock()
			delete(g.tasks, t)
			g.mu.Unlock()
			close(t.done)
		}()
		fn(tctx)
	}()
	return true
}

func (g *taskGroup) snapshot(onlyCancellable bool) []*task {
	out := make([]*task, 0, len(g.tasks))
	for t := range g.tasks {
		if !onlyCancellable || t.cancellable {
			out = append(out, t)
		}
	}
	return out
}

// drain 先取消并等待可取消任务，再等待其余任务（包括期间新增的不可取消任务）
func (g *taskGroup) drain(ctx context.Context) error {
	g.mu.Lock()
	g.draining = true
	cancellable := g.snapshot(true)
	g.mu.Unlock()

	for _, t := range cancellable {
		t.cancel()
	}
	if err := wait(ctx, cancellable); err != nil {
		return err
	}
	for {
		g.mu.Lock()
		rest := g.snapshot(false)
		g.mu.Unlock()
		if len(rest) == 0 {
			return nil
		}
		if err := wait(ctx, rest); err != nil {
			return err
		}
	}
}

func wait(ctx context.Context, tasks []*task) error {
	for _, t := range tasks {
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (g *taskGroup) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tasks)
}
