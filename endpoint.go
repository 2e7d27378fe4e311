// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rapnode

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/valyala/fasthttp"
)

// Endpoint issues HTTP/1.1 requests to a single host:port.
//
// Synchronous and non-aggregated asynchronous requests share one live
// connection, and at most one of them performs network I/O at any time.
// Queued asynchronous requests are dispatched in FIFO order.
//
// Callbacks run on the goroutine that completed the request. A Callback
// must not make a synchronous call on the Endpoint that invoked it, and
// must not block waiting for other requests on it to complete. Calling
// SendAsync from a Callback blocks forever if the pool is exhausted.
type Endpoint struct {
	cfg             Config
	addr            string
	hostHeader      string
	log             *slog.Logger
	msink           metrics.MetricSink
	mlabels         []metrics.Label
	local           LocalHandler
	recoverCallback bool
	pool            *taskPool
	syncMu          sync.Mutex // serializes synchronous callers
	syncTask        *Task
	mu              sync.Mutex // protects those below
	cond            *sync.Cond // signalled when active is cleared
	active          bool
	closed          bool
	pending         chan *Task
	idleConn        net.Conn
	aggrMu          sync.Mutex // protects aggr
	aggr            *aggrChannel
	aggregating     int32 // atomic nonzero while aggregation is enabled
	aggrBalance     int64 // atomic sent minus received aggregated frames
}

// NewEndpoint returns an Endpoint for the given Config. No network
// connection is made until the first request.
func NewEndpoint(cfg Config, opts ...Option) (*Endpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	ep := &Endpoint{
		cfg:             cfg,
		addr:            cfg.Addr(),
		hostHeader:      cfg.Addr(),
		log:             o.logger(),
		msink:           o.metricSink,
		local:           o.local,
		recoverCallback: o.recoverCallback,
	}
	if cfg.Port == DefaultPort {
		ep.hostHeader = cfg.Host
	}
	ep.mlabels = append(append([]metrics.Label(nil), o.metricLabels...), LabelEndpoint.M(ep.addr))
	ep.mlabels = ep.mlabels[:len(ep.mlabels):len(ep.mlabels)]
	ep.cond = sync.NewCond(&ep.mu)
	ep.syncTask = newTask(ep)
	capacity := cfg.effectivePoolCapacity()
	ep.pending = make(chan *Task, capacity+1)
	ep.pool = newTaskPool(capacity, func() *Task {
		ep.incr(MetricTaskCreatedCount)
		return newTask(ep)
	})
	if cfg.Aggregation {
		ep.aggregating = 1
	}
	return ep, nil
}

func (ep *Endpoint) String() string {
	return fmt.Sprintf("[Endpoint %s]", ep.addr)
}

// Endpoint returns the "host:port" string of the Endpoint.
func (ep *Endpoint) Endpoint() string {
	return ep.addr
}

// BaseURL returns the "http://host:port" URL of the Endpoint.
func (ep *Endpoint) BaseURL() string {
	return "http://" + ep.addr
}

// Config returns the Endpoint configuration.
func (ep *Endpoint) Config() Config {
	return ep.cfg
}

// IsLocal returns true if requests may be served by the LocalHandler.
func (ep *Endpoint) IsLocal() bool {
	return ep.cfg.Local && ep.local != nil
}

// UsesAggregation returns true if asynchronous requests go over the aggregation channel.
func (ep *Endpoint) UsesAggregation() bool {
	return atomic.LoadInt32(&ep.aggregating) != 0
}

// TasksCreated returns the number of Tasks created for asynchronous requests.
func (ep *Endpoint) TasksCreated() int {
	return ep.pool.numCreated()
}

// SentReceivedBalance returns the number of aggregated requests sent
// that have not yet been answered or failed.
func (ep *Endpoint) SentReceivedBalance() int64 {
	return atomic.LoadInt64(&ep.aggrBalance)
}

func (ep *Endpoint) incr(key []string) {
	ep.msink.IncrCounterWithLabels(key, 1, ep.mlabels)
}

func (ep *Endpoint) dial() (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", ep.addr, ep.cfg.DialTimeout)
	if err != nil {
		return nil, connectError(ep.cfg.Host, ep.cfg.Port, err)
	}
	return conn, nil
}

// tryLocal offers the request to the LocalHandler.
func (ep *Endpoint) tryLocal(method, path string, request []byte) (*Response, bool) {
	if !ep.IsLocal() {
		return nil, false
	}
	resp, ok := ep.local.TryHandleLocally(requestLine(method, path), request, ep.cfg.Port)
	if ok {
		ep.incr(MetricLocalCount)
	}
	return resp, ok
}

// Send performs a request and waits for the response. Transport failures
// are reported as a 503 Service Unavailable response; the error is only
// non-nil if the request itself is malformed or the Endpoint is closed.
func (ep *Endpoint) Send(method, path, headers string, body []byte) (*Response, error) {
	return ep.SendTimeout(method, path, headers, body, 0)
}

// SendTimeout is like Send, but waits at most timeout for the response.
// A zero timeout uses the Config ReceiveTimeout.
func (ep *Endpoint) SendTimeout(method, path, headers string, body []byte, timeout time.Duration) (*Response, error) {
	ep.syncMu.Lock()
	defer ep.syncMu.Unlock()

	t := ep.syncTask
	if err := t.prepare(method, path, headers, body, timeout, nil, nil); err != nil {
		return nil, err
	}
	defer t.reset()

	if resp, ok := ep.tryLocal(method, path, t.request); ok {
		return resp, nil
	}

	if !ep.acquire() {
		return nil, ErrEndpointClosed
	}
	resp := ep.run(t)
	ep.release()
	return resp, nil
}

// SendAsync starts a request and returns immediately. cb is called
// exactly once with the response and userCtx. If all pooled Tasks are
// busy, SendAsync waits for one to become available, so it must not be
// called from a Callback of the same Endpoint when the pool may be exhausted.
func (ep *Endpoint) SendAsync(method, path, headers string, body []byte, userCtx any, cb Callback) error {
	return ep.SendAsyncTimeout(method, path, headers, body, 0, userCtx, cb)
}

// SendAsyncTimeout is like SendAsync, but the response must arrive within
// timeout. A zero timeout uses the Config ReceiveTimeout. Aggregated
// requests have no receive timeout.
func (ep *Endpoint) SendAsyncTimeout(method, path, headers string, body []byte, timeout time.Duration, userCtx any, cb Callback) error {
	if ep.isClosed() {
		return ErrEndpointClosed
	}
	if err := validateRequest(method, path, headers); err != nil {
		return err
	}

	if ep.IsLocal() {
		req, err := buildRequest(nil, method, path, ep.hostHeader, headers, body)
		if err != nil {
			return err
		}
		if resp, ok := ep.tryLocal(method, path, req); ok {
			ep.invoke(cb, resp, userCtx)
			return nil
		}
	}

	t := ep.pool.get()
	if err := t.prepare(method, path, headers, body, timeout, userCtx, cb); err != nil {
		t.reset()
		ep.pool.put(t)
		return err
	}

	if ep.UsesAggregation() {
		if FrameHeaderSize+len(t.request) > ep.cfg.AggregationBlobSize {
			t.reset()
			ep.pool.put(t)
			return ErrFrameTooLarge
		}
		ep.submitAggregated(t)
		return nil
	}

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		t.reset()
		ep.pool.put(t)
		return ErrEndpointClosed
	}
	if ep.active {
		t.setState(taskStateQueued)
		ep.pending <- t
		ep.mu.Unlock()
		return nil
	}
	ep.active = true
	ep.mu.Unlock()
	go ep.runAsync(t)
	return nil
}

// acquire waits until no other request is performing I/O and marks
// the Endpoint active. It returns false if the Endpoint is closed.
func (ep *Endpoint) acquire() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	for ep.active && !ep.closed {
		ep.cond.Wait()
	}
	if ep.closed {
		return false
	}
	ep.active = true
	return true
}

// release dispatches the next queued Task, or clears the active flag
// if there is none.
func (ep *Endpoint) release() {
	if next := ep.next(); next != nil {
		go ep.runAsync(next)
	}
}

func (ep *Endpoint) next() *Task {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	select {
	case t := <-ep.pending:
		return t
	default:
		ep.active = false
		ep.cond.Broadcast()
		return nil
	}
}

// runAsync performs Tasks until the pending queue is empty.
func (ep *Endpoint) runAsync(t *Task) {
	for t != nil {
		resp := ep.run(t)
		ep.complete(t, resp)
		t = ep.next()
	}
}

// run performs the Task on the shared connection, then hands the
// connection back for the next request.
func (ep *Endpoint) run(t *Task) *Response {
	ep.incr(MetricRequestCount)
	t.conn, t.reused = ep.takeConn()
	resp := t.perform()
	if t.keepConn() {
		ep.putConn(t.conn)
	} else {
		t.dropConn()
	}
	t.conn = nil
	return resp
}

func (ep *Endpoint) takeConn() (net.Conn, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	conn := ep.idleConn
	ep.idleConn = nil
	return conn, conn != nil
}

func (ep *Endpoint) putConn(conn net.Conn) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed || ep.idleConn != nil {
		conn.Close()
		return
	}
	ep.idleConn = conn
}

// complete invokes the continuation and returns the Task to the pool.
func (ep *Endpoint) complete(t *Task, resp *Response) {
	t.setState(taskStateCompleting)
	ep.invoke(t.cb, resp, t.userCtx)
	t.reset()
	ep.pool.put(t)
}

func (ep *Endpoint) invoke(cb Callback, resp *Response, userCtx any) {
	if cb == nil {
		return
	}
	if ep.recoverCallback {
		defer func() {
			if r := recover(); r != nil {
				ep.incr(MetricCallbackPanicCount)
				ep.log.Error("callback panicked", LabelEndpoint.L(ep.addr), LabelError.L(r))
			}
		}()
	}
	cb(resp, userCtx)
}

func (ep *Endpoint) isClosed() bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.closed
}

// Close stops aggregation and closes the idle connection. Requests
// already in flight complete normally; new requests fail with ErrEndpointClosed.
func (ep *Endpoint) Close() error {
	ep.StopAggregation()
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return nil
	}
	ep.closed = true
	ep.cond.Broadcast()
	var err error
	if ep.idleConn != nil {
		err = ep.idleConn.Close()
		ep.idleConn = nil
	}
	return err
}

// Get performs a synchronous GET request.
func (ep *Endpoint) Get(path, headers string) (*Response, error) {
	return ep.Send(fasthttp.MethodGet, path, headers, nil)
}

// Post performs a synchronous POST request.
func (ep *Endpoint) Post(path, headers string, body []byte) (*Response, error) {
	return ep.Send(fasthttp.MethodPost, path, headers, body)
}

// Put performs a synchronous PUT request.
func (ep *Endpoint) Put(path, headers string, body []byte) (*Response, error) {
	return ep.Send(fasthttp.MethodPut, path, headers, body)
}

// Patch performs a synchronous PATCH request.
func (ep *Endpoint) Patch(path, headers string, body []byte) (*Response, error) {
	return ep.Send(fasthttp.MethodPatch, path, headers, body)
}

// Delete performs a synchronous DELETE request.
func (ep *Endpoint) Delete(path, headers string, body []byte) (*Response, error) {
	return ep.Send(fasthttp.MethodDelete, path, headers, body)
}

// GetAsync starts an asynchronous GET request.
func (ep *Endpoint) GetAsync(path, headers string, userCtx any, cb Callback) error {
	return ep.SendAsync(fasthttp.MethodGet, path, headers, nil, userCtx, cb)
}

// PostAsync starts an asynchronous POST request.
func (ep *Endpoint) PostAsync(path, headers string, body []byte, userCtx any, cb Callback) error {
	return ep.SendAsync(fasthttp.MethodPost, path, headers, body, userCtx, cb)
}

// PutAsync starts an asynchronous PUT request.
func (ep *Endpoint) PutAsync(path, headers string, body []byte, userCtx any, cb Callback) error {
	return ep.SendAsync(fasthttp.MethodPut, path, headers, body, userCtx, cb)
}

// PatchAsync starts an asynchronous PATCH request.
func (ep *Endpoint) PatchAsync(path, headers string, body []byte, userCtx any, cb Callback) error {
	return ep.SendAsync(fasthttp.MethodPatch, path, headers, body, userCtx, cb)
}

// DeleteAsync starts an asynchronous DELETE request.
func (ep *Endpoint) DeleteAsync(path, headers string, body []byte, userCtx any, cb Callback) error {
	return ep.SendAsync(fasthttp.MethodDelete, path, headers, body, userCtx, cb)
}
