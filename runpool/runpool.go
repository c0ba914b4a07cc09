/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package runpool bounds the number of goroutines the event loop creates
// to relay ready connections. The poller only decides readiness; relaying
// bytes for a ready instance is handed off to this pool so a burst of
// simultaneously-readable connections doesn't spawn one goroutine per
// readiness notification.
package runpool

import (
	"context"
	"log"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// Option configures a Pool.
type Option struct {
	// MaxIdleWorkers is the max idle workers kept around waiting for work.
	// Workers started beyond this count exit as soon as the task queue is
	// empty.
	MaxIdleWorkers int

	// WorkerMaxAge is the max age of an idle worker before it exits.
	WorkerMaxAge time.Duration

	// TaskChanBuffer is the size of the pending-task queue. If full, Go
	// falls back to spawning a bare goroutine instead of queueing.
	TaskChanBuffer int
}

// DefaultOption returns sane defaults for relaying a modest number of
// concurrently-readable wayland connections.
func DefaultOption() *Option {
	return &Option{
		MaxIdleWorkers: 256,
		WorkerMaxAge:   time.Minute,
		TaskChanBuffer: 256,
	}
}

type task struct {
	ctx context.Context
	f   func()
}

// Pool is a bounded worker pool for background relay tasks.
type Pool struct {
	name string

	workers int32
	maxIdle int32
	maxage  int64 // milliseconds

	panicHandler func(ctx context.Context, r interface{})

	tasks     chan task
	unixMilli int64

	createWorker func()
}

// New creates a new Pool. o may be nil to use DefaultOption.
func New(name string, o *Option) *Pool {
	if o == nil {
		o = DefaultOption()
	}
	p := &Pool{
		name:    name,
		tasks:   make(chan task, o.TaskChanBuffer),
		maxage:  o.WorkerMaxAge.Milliseconds(),
		maxIdle: int32(o.MaxIdleWorkers),
	}

	p.createWorker = func() {
		p.runWorker()
	}
	return p
}

// Go runs f in background.
func (p *Pool) Go(f func()) {
	p.CtxGo(context.Background(), f)
}

// CtxGo runs f in background, passing ctx to the panic handler if f panics.
func (p *Pool) CtxGo(ctx context.Context, f func()) {
	select {
	case p.tasks <- task{ctx: ctx, f: f}:
	default:
		go p.runTask(ctx, f)
		return
	}
	if len(p.tasks) == 0 {
		return
	}
	go p.createWorker()
}

// SetPanicHandler sets the func invoked when a relayed task panics.
// Without one, the panic and stack are logged via the standard logger.
func (p *Pool) SetPanicHandler(f func(ctx context.Context, r interface{})) {
	p.panicHandler = f
}

func (p *Pool) runTask(ctx context.Context, f func()) {
	defer func(p *Pool, ctx context.Context) {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(ctx, r)
			} else {
				log.Printf("runpool: panic in pool %s: %v: %s", p.name, r, debug.Stack())
			}
		}
	}(p, ctx)
	f()
}

// CurrentWorkers reports the number of live workers.
func (p *Pool) CurrentWorkers() int {
	return int(atomic.LoadInt32(&p.workers))
}

func (p *Pool) runWorker() {
	id := atomic.AddInt32(&p.workers, 1)
	defer atomic.AddInt32(&p.workers, -1)

	if id > p.maxIdle {
		for {
			select {
			case t := <-p.tasks:
				p.runTask(t.ctx, t.f)
			default:
				return
			}
		}
	}

	createdAt := time.Now().UnixMilli()
	for t := range p.tasks {
		p.runTask(t.ctx, t.f)

		now := atomic.LoadInt64(&p.unixMilli)
		if now == 0 {
			now = time.Now().UnixMilli()
			if atomic.CompareAndSwapInt64(&p.unixMilli, 0, now) {
				go p.runTicker()
			}
		}

		if now-createdAt > p.maxage {
			return
		}
	}
}

var noopTask = task{f: func() {}}

func (p *Pool) runTicker() {
	defer atomic.StoreInt64(&p.unixMilli, 0)

	d := time.Duration(p.maxage) * time.Millisecond / 100
	if d < time.Millisecond {
		d = time.Millisecond
	}

	t := time.NewTicker(d)
	defer t.Stop()

	for now := range t.C {
		if p.CurrentWorkers() == 0 {
			return
		}
		atomic.StoreInt64(&p.unixMilli, now.UnixMilli())
		p.tasks <- noopTask
	}
}
