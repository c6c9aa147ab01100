// Package task provides the serialized execution context the security
// manager runs on. Every externally visible operation is posted here as
// a discrete task and runs to completion before the next is dispatched,
// so manager state needs no locking.
package task

import (
	"sync"
	"time"
)

type Context struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
	done    chan struct{}
}

func NewContext() *Context {
	c := &Context{done: make(chan struct{})}
	c.cond = sync.NewCond(&c.mu)
	go c.loop()
	return c
}

func (c *Context) loop() {
	for {
		c.mu.Lock()
		for len(c.queue) == 0 && !c.stopped {
			c.cond.Wait()
		}
		if len(c.queue) == 0 && c.stopped {
			c.mu.Unlock()
			close(c.done)
			return
		}
		f := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		f()
	}
}

// Post schedules f to run on the context. Returns false if the context
// has already been stopped, in which case f is dropped.
func (c *Context) Post(f func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return false
	}
	c.queue = append(c.queue, f)
	c.cond.Signal()
	return true
}

// PostDelayed schedules f to be posted after d. The returned timer can
// be stopped to cancel a post that has not fired yet.
func (c *Context) PostDelayed(d time.Duration, f func()) *time.Timer {
	return time.AfterFunc(d, func() {
		c.Post(f)
	})
}

// Stop drains the remaining queue and shuts the context down. Posts
// issued after Stop are dropped. Blocks until the queue is empty.
func (c *Context) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.stopped = true
	c.cond.Signal()
	c.mu.Unlock()

	<-c.done
}
