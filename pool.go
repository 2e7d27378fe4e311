// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rapnode

import "sync/atomic"

// taskPool hands out reusable Tasks. At most max Tasks are ever created;
// when all of them are in use, get blocks until one is returned.
type taskPool struct {
	idle    chan *Task
	created int32
	newTask func() *Task
}

func newTaskPool(max int, newTask func() *Task) *taskPool {
	return &taskPool{
		idle:    make(chan *Task, max),
		newTask: newTask,
	}
}

// get returns an idle Task, creating one if the pool has not yet
// reached capacity, or waits for one to be returned.
func (p *taskPool) get() *Task {
	select {
	case t := <-p.idle:
		return t
	default:
	}
	for {
		n := atomic.LoadInt32(&p.created)
		if int(n) >= cap(p.idle) {
			break
		}
		if atomic.CompareAndSwapInt32(&p.created, n, n+1) {
			return p.newTask()
		}
	}
	return <-p.idle
}

// put returns a Task to the pool.
func (p *taskPool) put(t *Task) {
	select {
	case p.idle <- t:
	default:
		panic("taskPool.put(): pool overflow")
	}
}

// capacity returns the maximum number of Tasks the pool will create.
func (p *taskPool) capacity() int {
	return cap(p.idle)
}

// numCreated returns the number of Tasks created so far.
func (p *taskPool) numCreated() int {
	return int(atomic.LoadInt32(&p.created))
}

// numIdle returns the number of Tasks currently in the pool.
func (p *taskPool) numIdle() int {
	return len(p.idle)
}
