// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rapnode

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
)

type serverClosedError struct{}

func (serverClosedError) Error() string { return "server closed" }

// ErrServerClosed is returned by AggregationServer.Serve after Close.
var ErrServerClosed = serverClosedError{}

// AggregationServer accepts aggregation connections from Endpoints,
// runs each framed request through Handler and frames the response
// back with the slot index of the request.
type AggregationServer struct {
	Addr         string                  // TCP address to listen on, ":10111" if empty
	Handler      fasthttp.RequestHandler // HTTP handler to invoke
	MaxConns     int                     // maximum number of concurrent connections, unlimited if zero
	MaxFrameSize int                     // largest accepted frame payload, DefaultAggregationBlobSize if zero
	LogHandler   slog.Handler            // where to log, slog.Default() if nil
	MetricSink   metrics.MetricSink      // where to send metrics, metrics.Default() if nil
	listeners    map[net.Listener]struct{}
	activeConns  map[net.Conn]struct{}
	bytesWritten int64
	bytesRead    int64
	lastWireID   uint64
	mu           sync.Mutex
	connLimiter  chan struct{}
	doneChan     chan struct{}
}

// tcpKeepAliveListener sets TCP keep-alive timeouts on accepted
// network connections so dead peers eventually go away.
type tcpKeepAliveListener struct {
	*net.TCPListener
}

func (ln tcpKeepAliveListener) Accept() (c net.Conn, err error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}

// Listen announces on the local network address.
func (srv *AggregationServer) Listen(address string) (net.Listener, error) {
	if address == "" {
		address = ":10111"
	}
	ln, err := net.Listen("tcp", address)
	if err == nil {
		srv.Addr = ln.Addr().String()
		ln = tcpKeepAliveListener{ln.(*net.TCPListener)}
	}
	return ln, err
}

// ListenAndServe listens on srv.Addr and then calls Serve.
func (srv *AggregationServer) ListenAndServe() error {
	ln, err := srv.Listen(srv.Addr)
	if err != nil {
		return err
	}
	return srv.Serve(ln)
}

func (srv *AggregationServer) logger() *slog.Logger {
	if srv.LogHandler == nil {
		return slog.Default()
	}
	return slog.New(srv.LogHandler)
}

func (srv *AggregationServer) sink() metrics.MetricSink {
	if srv.MetricSink == nil {
		return metrics.Default()
	}
	return srv.MetricSink
}

// Serve accepts incoming connections on the Listener l, creating a
// new service goroutine for each.
func (srv *AggregationServer) Serve(l net.Listener) error {
	defer l.Close()
	var tempDelay time.Duration // how long to sleep on accept failure

	if err := srv.trackListener(l, true); err != nil {
		return err
	}
	defer srv.trackListener(l, false)

	log := srv.logger()
	msink := srv.sink()
	limiter := srv.getConnLimiter()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-srv.getDoneChan():
				return ErrServerClosed
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		if limiter != nil {
			limiter <- struct{}{}
		}
		if !srv.trackConn(conn, true) {
			conn.Close()
			return ErrServerClosed
		}
		msink.IncrCounterWithLabels(MetricServerConnectionsCount, 1, []metrics.Label{LabelPeerAddr.M(conn.RemoteAddr().String())})
		go func(conn net.Conn) {
			defer func() {
				srv.trackConn(conn, false)
				if limiter != nil {
					<-limiter
				}
			}()
			if err := srv.serveConn(conn); err != nil && !isDeadConnError(err) {
				log.Warn("aggregation connection failed", LabelPeerAddr.L(conn.RemoteAddr().String()), LabelError.L(err))
			}
		}(conn)
	}
}

// serveConn handles frames on one connection until it is closed or
// the peer sends MsgDestroySocket. Responses are flushed whenever no
// more input is buffered.
func (srv *AggregationServer) serveConn(conn net.Conn) error {
	defer conn.Close()
	br := bufio.NewReaderSize(conn, 64*1024)
	bw := bufio.NewWriterSize(conn, 64*1024)
	rr := bufio.NewReaderSize(nil, MaxResponseHeaderSize)
	msink := srv.sink()
	maxFrameSize := srv.MaxFrameSize
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultAggregationBlobSize
	}
	fh := NewFrameHeader()
	out := NewFrameHeader()
	var payload []byte
	var respBuf []byte
	var req fasthttp.Request
	var ctx fasthttp.RequestCtx

	for {
		if _, err := io.ReadFull(br, fh); err != nil {
			return errors.WithStack(err)
		}
		size := fh.Size()
		if size > maxFrameSize {
			return errors.WithStack(ProtocolError{Reason: fmt.Sprintf("frame size %d exceeds %d", size, maxFrameSize)})
		}
		if cap(payload) < size {
			payload = make([]byte, size)
		}
		payload = payload[:size]
		if _, err := io.ReadFull(br, payload); err != nil {
			return errors.WithStack(err)
		}
		srv.AddBytesRead(int64(FrameHeaderSize + size))

		out.CopyFrom(fh)
		switch fh.MsgType() {
		case MsgCreateSocket:
			out.SetWireID(atomic.AddUint64(&srv.lastWireID, 1))
			out.SetSize(0)
			respBuf = respBuf[:0]
		case MsgDestroySocket:
			return errors.WithStack(bw.Flush())
		case MsgData:
			msink.IncrCounter(MetricServerFrameInCount, 1)
			rr.Reset(bytes.NewReader(payload))
			respBuf = srv.handle(&ctx, &req, rr, conn.RemoteAddr(), respBuf[:0])
			out.SetSize(len(respBuf))
		default:
			return errors.WithStack(ProtocolError{Reason: "unexpected " + fh.String()})
		}

		if _, err := bw.Write(out); err != nil {
			return errors.WithStack(err)
		}
		if _, err := bw.Write(respBuf); err != nil {
			return errors.WithStack(err)
		}
		srv.AddBytesWritten(int64(FrameHeaderSize + len(respBuf)))

		if br.Buffered() == 0 {
			if err := bw.Flush(); err != nil {
				return errors.WithStack(err)
			}
		}
	}
}

// handle parses one request, runs the Handler and appends the raw response to dst.
func (srv *AggregationServer) handle(ctx *fasthttp.RequestCtx, req *fasthttp.Request, r *bufio.Reader, remoteAddr net.Addr, dst []byte) []byte {
	req.Reset()
	if err := req.Read(r); err != nil {
		return appendErrorResponse(dst, fasthttp.StatusBadRequest, err.Error())
	}
	ctx.Init(req, remoteAddr, nil)
	if err := srv.callHandler(ctx); err != nil {
		return appendErrorResponse(dst, fasthttp.StatusInternalServerError, err.Error())
	}
	body := ctx.Response.Body()
	if req.Header.IsHead() {
		if len(body) > 0 {
			ctx.Response.Header.SetContentLength(len(body))
		}
		return ctx.Response.Header.AppendBytes(dst)
	}
	ctx.Response.Header.SetContentLength(len(body))
	dst = ctx.Response.Header.AppendBytes(dst)
	return append(dst, body...)
}

func (srv *AggregationServer) callHandler(ctx *fasthttp.RequestCtx) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	if srv.Handler == nil {
		ctx.Error("no handler", fasthttp.StatusNotFound)
		return nil
	}
	srv.Handler(ctx)
	return nil
}

func appendErrorResponse(dst []byte, statusCode int, msg string) []byte {
	resp := NewFailureResponse(statusCode, fasthttp.StatusMessage(statusCode), "text/plain", msg)
	return append(dst, resp.Bytes()...)
}

func (srv *AggregationServer) trackListener(ln net.Listener, add bool) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.listeners == nil {
		srv.listeners = make(map[net.Listener]struct{})
	}
	if add {
		select {
		case <-srv.getDoneChanLocked():
			return ErrServerClosed
		default:
		}
		srv.listeners[ln] = struct{}{}
	} else {
		delete(srv.listeners, ln)
	}
	return nil
}

func (srv *AggregationServer) trackConn(conn net.Conn, add bool) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.activeConns == nil {
		srv.activeConns = make(map[net.Conn]struct{})
	}
	if add {
		select {
		case <-srv.getDoneChanLocked():
			return false
		default:
		}
		srv.activeConns[conn] = struct{}{}
	} else {
		delete(srv.activeConns, conn)
	}
	return true
}

func (srv *AggregationServer) getDoneChan() <-chan struct{} {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.getDoneChanLocked()
}

func (srv *AggregationServer) getDoneChanLocked() chan struct{} {
	if srv.doneChan == nil {
		srv.doneChan = make(chan struct{})
	}
	return srv.doneChan
}

func (srv *AggregationServer) getConnLimiter() chan struct{} {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.connLimiter == nil && srv.MaxConns > 0 {
		srv.connLimiter = make(chan struct{}, srv.MaxConns)
	}
	return srv.connLimiter
}

// Close immediately closes all listeners and active connections.
func (srv *AggregationServer) Close() (err error) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	ch := srv.getDoneChanLocked()
	select {
	case <-ch:
	default:
		close(ch)
	}
	for ln := range srv.listeners {
		if cerr := ln.Close(); cerr != nil && err == nil {
			err = cerr
		}
		delete(srv.listeners, ln)
	}
	for conn := range srv.activeConns {
		conn.Close()
		delete(srv.activeConns, conn)
	}
	return
}

// ActiveConns returns the number of open aggregation connections.
func (srv *AggregationServer) ActiveConns() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.activeConns)
}

// AddBytesWritten adds n to the number of bytes written statistic.
func (srv *AggregationServer) AddBytesWritten(n int64) {
	atomic.AddInt64(&srv.bytesWritten, n)
}

// BytesWritten returns the current number of bytes written.
func (srv *AggregationServer) BytesWritten() int64 {
	return atomic.LoadInt64(&srv.bytesWritten)
}

// AddBytesRead adds n to the number of bytes read statistic.
func (srv *AggregationServer) AddBytesRead(n int64) {
	atomic.AddInt64(&srv.bytesRead, n)
}

// BytesRead returns the current number of bytes read.
func (srv *AggregationServer) BytesRead() int64 {
	return atomic.LoadInt64(&srv.bytesRead)
}

func (srv *AggregationServer) String() string {
	return fmt.Sprintf("[AggregationServer %s]", srv.Addr)
}
