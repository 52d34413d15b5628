package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// ErrClosed is returned when using a sandbox after Close.
var ErrClosed = errors.New("sandbox is closed")

// errAbandoned is returned by execute when a call outlived its context by
// more than abandonGrace. The executor is closed and its goroutine releases
// the LState whenever the stuck host function returns.
var errAbandoned = errors.New("call did not return after its deadline")

// abandonGrace is how long execute keeps waiting once the call context is
// done. The VM notices cancellation between instructions, so only a long Go
// builtin can outlast it.
const abandonGrace = 250 * time.Millisecond

type call struct {
	fn     func(L *lua.LState) error
	result chan error
}

// executor serializes every LState operation onto one goroutine. gopher-lua
// states are not goroutine-safe and the state is closed on the same goroutine
// that ran it.
type executor struct {
	L     *lua.LState
	queue chan *call
	done  chan struct{}
	exit  chan struct{}

	// closed when a call is abandoned
	gone chan struct{}

	closeOnce   sync.Once
	abandonOnce sync.Once
}

func newExecutor(L *lua.LState) *executor {
	e := &executor{
		L:     L,
		queue: make(chan *call),
		done:  make(chan struct{}),
		exit:  make(chan struct{}),
		gone:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *executor) run() {
	defer close(e.exit)
	for {
		select {
		case <-e.done:
			e.L.Close()
			return
		case c := <-e.queue:
			c.result <- e.invoke(c)
		}
	}
}

func (e *executor) invoke(c *call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch v := r.(type) {
			case error:
				err = v
			default:
				err = fmt.Errorf("lua panic: %v", v)
			}
		}
	}()
	return c.fn(e.L)
}

// execute runs fn on the executor goroutine and waits for it. fn is expected
// to honour ctx through the LState context; if it has not returned
// abandonGrace after ctx is done the executor is abandoned and closed.
func (e *executor) execute(ctx context.Context, fn func(L *lua.LState) error) error {
	if e.closed() {
		return ErrClosed
	}
	c := &call{fn: fn, result: make(chan error, 1)}
	select {
	case <-e.done:
		return ErrClosed
	case e.queue <- c:
	}

	select {
	case err := <-c.result:
		return err
	case <-ctx.Done():
	}

	grace := time.NewTimer(abandonGrace)
	defer grace.Stop()
	select {
	case err := <-c.result:
		return err
	case <-grace.C:
		e.abandon()
		return errAbandoned
	}
}

func (e *executor) abandon() {
	e.abandonOnce.Do(func() { close(e.gone) })
	e.closeOnce.Do(func() { close(e.done) })
}

// close stops the goroutine and releases the LState. It waits for an
// in-flight call to return unless that call has been abandoned.
func (e *executor) close() {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	select {
	case <-e.exit:
	case <-e.gone:
	}
}

func (e *executor) abandoned() bool {
	select {
	case <-e.gone:
		return true
	default:
		return false
	}
}

func (e *executor) closed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}
