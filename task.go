// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rapnode

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
)

type taskState int32

const (
	taskStateIdle       = taskState(0)
	taskStateConnecting = taskState(1)
	taskStateSending    = taskState(2)
	taskStateReceiving  = taskState(3)
	taskStateCompleting = taskState(4)
	taskStateFailed     = taskState(5)
	taskStateQueued     = taskState(6)
)

var taskStateTexts = map[taskState]string{
	taskStateIdle:       "IDLE",
	taskStateConnecting: "CONN",
	taskStateSending:    "SEND",
	taskStateReceiving:  "RECV",
	taskStateCompleting: "DONE",
	taskStateFailed:     "FAIL",
	taskStateQueued:     "QUED",
}

func getTaskStateText(ts taskState) string {
	if ts < taskStateIdle || ts > taskStateQueued {
		return strconv.FormatInt(int64(ts), 10)
	}
	return taskStateTexts[ts]
}

// Task holds the state of one request and its response. Tasks are
// reused; a Task belongs to exactly one in-flight call at a time.
type Task struct {
	ep       *Endpoint
	buf      [TaskBufferSize]byte
	conn     net.Conn // nil if not connected
	reused   bool     // conn was handed over from a previous request
	acc      []byte   // accumulated response bytes
	resp     *Response
	received int
	total    int
	request  []byte
	method   string
	path     string
	timeout  time.Duration // receive timeout for this call, 0 uses the Config
	cb       Callback
	userCtx  any
	state    taskState
}

func newTask(ep *Endpoint) *Task {
	return &Task{ep: ep}
}

func (t *Task) String() string {
	return fmt.Sprintf("[Task %s %s %s %d/%d]", t.ep.addr, getTaskStateText(t.getState()), t.path, t.received, t.total)
}

func (t *Task) setState(state taskState) {
	atomic.StoreInt32((*int32)(&t.state), int32(state))
}

func (t *Task) getState() taskState {
	return taskState(atomic.LoadInt32((*int32)(&t.state)))
}

// prepare builds the raw request into the Task's request buffer.
func (t *Task) prepare(method, path, headers string, body []byte, timeout time.Duration, userCtx any, cb Callback) (err error) {
	t.request, err = buildRequest(t.request[:0], method, path, t.ep.hostHeader, headers, body)
	t.method = method
	t.path = path
	t.timeout = timeout
	t.userCtx = userCtx
	t.cb = cb
	return
}

// reset clears per-call state before the Task goes back to the pool.
func (t *Task) reset() {
	t.resp = nil
	t.received = 0
	t.total = 0
	t.acc = t.acc[:0]
	t.request = t.request[:0]
	t.method = ""
	t.path = ""
	t.timeout = 0
	t.cb = nil
	t.userCtx = nil
	t.setState(taskStateIdle)
}

// perform runs connect, send and receive for the prepared request. It
// always returns a Response; transport failures become a 503 response.
// A request on a handed over connection that turns out to be dead is
// retried once on a fresh connection. If the send succeeded, only
// idempotent requests are retried.
func (t *Task) perform() *Response {
	for attempt := 0; ; attempt++ {
		resp, retry, err := t.roundTrip()
		if err == nil {
			return resp
		}
		t.dropConn()
		if attempt > 0 || !retry {
			return t.fail(err)
		}
		t.ep.incr(MetricReconnectCount)
		t.ep.log.Debug("reconnecting", LabelEndpoint.L(t.ep.addr), LabelError.L(err))
	}
}

func (t *Task) roundTrip() (resp *Response, retry bool, err error) {
	if t.conn == nil {
		t.setState(taskStateConnecting)
		if t.conn, err = t.ep.dial(); err != nil {
			return
		}
		t.reused = false
	}

	t.setState(taskStateSending)
	if _, err = t.conn.Write(t.request); err != nil {
		return nil, t.reused, errors.Wrap(err, "send")
	}

	t.setState(taskStateReceiving)
	if resp, err = t.receive(); err != nil {
		retry = t.reused && t.received == 0 && isIdempotent(t.method) && isDeadConnError(err)
	}
	return
}

// receiveTimeout returns the timeout for this call.
func (t *Task) receiveTimeout() time.Duration {
	if t.timeout > 0 {
		return t.timeout
	}
	return t.ep.cfg.ReceiveTimeout
}

// receive reads until the declared response length has arrived.
func (t *Task) receive() (*Response, error) {
	t.resp = nil
	t.received = 0
	t.total = 0
	t.acc = t.acc[:0]

	if timeout := t.receiveTimeout(); timeout > 0 {
		if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, errors.Wrap(err, "receive")
		}
		defer t.conn.SetReadDeadline(time.Time{})
	}

	skipBody := t.method == fasthttp.MethodHead
	for {
		n, err := t.conn.Read(t.buf[:])
		if n > 0 {
			t.acc = append(t.acc, t.buf[:n]...)
			t.received += n
			if t.resp == nil {
				resp, perr := ParseResponse(t.acc, skipBody)
				switch {
				case perr == nil:
					t.resp = resp
					t.total = resp.TotalLength()
				case perr != ErrIncompleteHeaders:
					return nil, perr
				}
			}
			if t.resp != nil && t.received >= t.total {
				if t.received > t.total {
					return nil, errors.Wrapf(ErrMalformedResponse, "%d unexpected bytes after response", t.received-t.total)
				}
				raw := make([]byte, t.total)
				copy(raw, t.acc)
				if err = t.resp.AttachBody(raw); err != nil {
					return nil, err
				}
				return t.resp, nil
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, errors.WithStack(timeoutError{})
			}
			if err == io.EOF {
				return nil, errors.WithStack(remoteClosedError{})
			}
			return nil, errors.Wrap(err, "receive")
		}
	}
}

// fail synthesizes the 503 response for a transport failure.
func (t *Task) fail(err error) *Response {
	t.setState(taskStateFailed)
	kind := "transport"
	if isTimeoutError(err) {
		kind = "timeout"
	}
	t.ep.msink.IncrCounterWithLabels(MetricRequestFailureCount, 1, append(t.ep.mlabels, LabelError.M(kind)))
	t.ep.log.Warn("request failed",
		LabelEndpoint.L(t.ep.addr),
		LabelMethod.L(t.method),
		LabelPath.L(t.path),
		LabelError.L(err))
	return newServiceUnavailable(err)
}

func (t *Task) dropConn() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

// keepConn returns true if the connection can be handed to the next request.
func (t *Task) keepConn() bool {
	if t.conn == nil {
		return false
	}
	return t.resp == nil || !t.resp.header.ConnectionClose()
}

// isIdempotent returns true if the method may be repeated after the
// server possibly acted on it.
func isIdempotent(method string) bool {
	switch method {
	case fasthttp.MethodGet, fasthttp.MethodHead, fasthttp.MethodOptions,
		fasthttp.MethodTrace, fasthttp.MethodPut, fasthttp.MethodDelete:
		return true
	}
	return false
}
