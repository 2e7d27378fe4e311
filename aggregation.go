// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package rapnode

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"
)

// aggrChannel multiplexes aggregated requests over one connection.
// The sender goroutine owns the send blob and the receiver goroutine
// owns the receive blob. A Task is recorded in awaiting at the index of
// the slot it was given, and that index is absent from free until the
// response frame for it arrives.
type aggrChannel struct {
	ep         *Endpoint
	conn       net.Conn
	wireID     uint64
	port       uint16
	fw         *frameWriter
	fs         *frameScanner
	awaiting   []atomic.Pointer[Task]
	free       chan uint32
	pending    chan *Task
	stopping   int32 // atomic nonzero when shut down deliberately
	cancel     context.CancelFunc
	senderDone chan struct{}
	done       chan struct{}
}

func (ch *aggrChannel) String() string {
	return fmt.Sprintf("[aggrChannel %s %x %d/%d]", ch.ep.addr, ch.wireID, ch.slotsInUse(), len(ch.awaiting))
}

// openAggregation dials the aggregation server, performs the
// create-socket handshake and starts the channel goroutines.
func (ep *Endpoint) openAggregation() (*aggrChannel, error) {
	addr := ep.cfg.AggregationAddr()
	conn, err := net.DialTimeout("tcp", addr, ep.cfg.DialTimeout)
	if err != nil {
		return nil, connectError(ep.cfg.Host, ep.cfg.AggregationPort, err)
	}

	wireID, err := aggregationHandshake(conn, ep.cfg.Port, ep.cfg.DialTimeout)
	if err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "aggregation handshake with %s", addr)
	}

	slots := ep.cfg.AggregationSlots
	ch := &aggrChannel{
		ep:         ep,
		conn:       conn,
		wireID:     wireID,
		port:       ep.cfg.Port,
		fw:         newFrameWriter(ep.cfg.AggregationBlobSize),
		fs:         newFrameScanner(ep.cfg.AggregationBlobSize),
		awaiting:   make([]atomic.Pointer[Task], slots),
		free:       make(chan uint32, slots),
		pending:    make(chan *Task, ep.pool.capacity()),
		senderDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	for i := 0; i < slots; i++ {
		ch.free <- uint32(i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ch.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(ch.senderDone)
		return ch.sendLoop(gctx)
	})
	g.Go(ch.recvLoop)
	g.Go(func() error {
		<-gctx.Done()
		select {
		case <-ch.senderDone:
		case <-time.After(time.Second):
		}
		return ch.conn.Close()
	})
	go ch.run(g)

	ep.incr(MetricAggrChannelOpenCount)
	ep.log.Debug("aggregation channel open", LabelEndpoint.L(ep.addr), LabelWireID.L(wireID))
	return ch, nil
}

// aggregationHandshake asks the server for a wire id.
func aggregationHandshake(conn net.Conn, port uint16, timeout time.Duration) (wireID uint64, err error) {
	if timeout > 0 {
		if err = conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return
		}
		defer conn.SetDeadline(time.Time{})
	}
	fh := NewFrameHeader()
	fh.SetMsgType(MsgCreateSocket)
	fh.SetPort(port)
	if _, err = conn.Write(fh); err != nil {
		return
	}
	if _, err = io.ReadFull(conn, fh); err != nil {
		return
	}
	if fh.MsgType() != MsgCreateSocket || fh.Size() != 0 {
		return 0, errors.WithStack(ProtocolError{Reason: "unexpected handshake reply " + fh.String()})
	}
	return fh.WireID(), nil
}

// run waits for the channel goroutines to stop, then fails every
// request still outstanding on the channel.
func (ch *aggrChannel) run(g *errgroup.Group) {
	defer close(ch.done)
	err := g.Wait()
	ch.cancel()

	ep := ch.ep
	ep.aggrMu.Lock()
	if ep.aggr == ch {
		ep.aggr = nil
	}
	ep.aggrMu.Unlock()

	if atomic.LoadInt32(&ch.stopping) != 0 {
		err = errors.WithStack(channelClosedError{})
	} else {
		ep.incr(MetricAggrChannelErrorCount)
		ep.log.Error("aggregation channel failed", LabelEndpoint.L(ep.addr), LabelWireID.L(ch.wireID), LabelError.L(err))
	}

	for i := range ch.awaiting {
		if t := ch.awaiting[i].Swap(nil); t != nil {
			ch.free <- uint32(i)
			ch.received()
			ep.complete(t, t.fail(err))
		}
	}
	for {
		select {
		case t := <-ch.pending:
			ep.complete(t, t.fail(err))
		default:
			return
		}
	}
}

// stop shuts the channel down and waits for it to finish.
func (ch *aggrChannel) stop() {
	atomic.StoreInt32(&ch.stopping, 1)
	ch.cancel()
	<-ch.done
}

func (ch *aggrChannel) slotsInUse() (n int) {
	for i := range ch.awaiting {
		if ch.awaiting[i].Load() != nil {
			n++
		}
	}
	return
}

func (ch *aggrChannel) sent() {
	n := atomic.AddInt64(&ch.ep.aggrBalance, 1)
	ch.ep.msink.SetGaugeWithLabels(MetricAggrBalance, float32(n), ch.ep.mlabels)
}

func (ch *aggrChannel) received() {
	n := atomic.AddInt64(&ch.ep.aggrBalance, -1)
	ch.ep.msink.SetGaugeWithLabels(MetricAggrBalance, float32(n), ch.ep.mlabels)
}

// sendLoop frames queued Tasks into the send blob. The blob is written
// to the connection when it is full and whenever the queue runs empty.
func (ch *aggrChannel) sendLoop(ctx context.Context) (err error) {
	for err == nil {
		var t *Task

		select {
		case t = <-ch.pending:
		default:
			// no immediately available Task, flush the output
			err = ch.flush()
		}

		if err == nil && t == nil {
			select {
			case t = <-ch.pending:
			case <-ctx.Done():
				if atomic.LoadInt32(&ch.stopping) != 0 {
					ch.sendDestroy()
				}
				return ctx.Err()
			}
		}

		if err == nil {
			err = ch.frame(t)
		}
	}
	return
}

// frame assigns a slot to the Task and appends its request to the send blob.
func (ch *aggrChannel) frame(t *Task) error {
	var slot uint32
	select {
	case slot = <-ch.free:
	default:
		panic(fmt.Sprintf("aggrChannel.frame(): %v: no free slot", ch))
	}
	if !ch.awaiting[slot].CompareAndSwap(nil, t) {
		panic(fmt.Sprintf("aggrChannel.frame(): %v: slot %d already awaiting", ch, slot))
	}
	ch.sent()

	if !ch.fw.fits(len(t.request)) {
		if ch.fw.empty() {
			panic(fmt.Sprintf("aggrChannel.frame(): %v: %d byte request does not fit in empty blob", ch, len(t.request)))
		}
		if err := ch.flush(); err != nil {
			return err
		}
	}

	fh := ch.fw.append(t.request)
	fh.SetWireID(ch.wireID)
	fh.SetSlot(int(slot))
	fh.SetPort(ch.port)
	fh.SetMsgType(MsgData)
	ch.ep.incr(MetricAggrFrameOutCount)
	return nil
}

func (ch *aggrChannel) flush() error {
	n, err := ch.fw.flush(ch.conn)
	if n > 0 {
		ch.ep.msink.IncrCounterWithLabels(MetricAggrBytesOut, float32(n), ch.ep.mlabels)
	}
	return errors.WithStack(err)
}

// sendDestroy tells the server this channel is going away. Errors are ignored.
func (ch *aggrChannel) sendDestroy() {
	if !ch.fw.fits(0) {
		if ch.flush() != nil {
			return
		}
	}
	fh := ch.fw.append(nil)
	fh.SetWireID(ch.wireID)
	fh.SetPort(ch.port)
	fh.SetMsgType(MsgDestroySocket)
	_ = ch.flush()
}

// recvLoop reads response frames and completes the Tasks awaiting them.
func (ch *aggrChannel) recvLoop() error {
	for {
		n, err := ch.fs.readFrom(ch.conn)
		if n > 0 {
			ch.ep.msink.IncrCounterWithLabels(MetricAggrBytesIn, float32(n), ch.ep.mlabels)
		}
		for {
			fh, payload, ok := ch.fs.next()
			if !ok {
				break
			}
			if derr := ch.deliver(fh, payload); derr != nil {
				return derr
			}
		}
		if err != nil {
			if err == io.EOF {
				err = remoteClosedError{}
			}
			return errors.WithStack(err)
		}
	}
}

func (ch *aggrChannel) deliver(fh FrameHeader, payload []byte) error {
	switch fh.MsgType() {
	case MsgData:
	case MsgDestroySocket:
		return errors.WithStack(remoteClosedError{})
	default:
		return errors.WithStack(ProtocolError{Reason: "unexpected " + fh.String()})
	}

	slot := fh.Slot()
	if slot >= len(ch.awaiting) {
		return errors.WithStack(ProtocolError{Reason: "slot out of range " + fh.String()})
	}
	t := ch.awaiting[slot].Swap(nil)
	if t == nil {
		return errors.WithStack(ProtocolError{Reason: "no request awaiting " + fh.String()})
	}
	ch.free <- uint32(slot)
	ch.received()
	ch.ep.incr(MetricAggrFrameInCount)

	resp, err := parseAggregated(payload, t.method == fasthttp.MethodHead)
	if err != nil {
		resp = t.fail(err)
	}
	ch.ep.complete(t, resp)
	return nil
}

// parseAggregated copies a response frame payload into a Response.
func parseAggregated(payload []byte, skipBody bool) (*Response, error) {
	raw := make([]byte, len(payload))
	copy(raw, payload)
	resp, err := ParseResponse(raw, skipBody)
	if err != nil {
		if err == ErrIncompleteHeaders {
			err = errors.Wrap(ErrMalformedResponse, "truncated response headers")
		}
		return nil, err
	}
	if resp.TotalLength() != len(raw) {
		return nil, errors.Wrapf(ErrMalformedResponse, "response length %d in %d byte frame", resp.TotalLength(), len(raw))
	}
	if err = resp.AttachBody(raw); err != nil {
		return nil, err
	}
	return resp, nil
}

// submitAggregated queues the Task on the aggregation channel, opening
// the channel first if needed. If the channel can not be opened the
// Task completes with a failure response.
func (ep *Endpoint) submitAggregated(t *Task) {
	ep.aggrMu.Lock()
	ch := ep.aggr
	var err error
	if atomic.LoadInt32(&ep.aggregating) == 0 {
		err = errors.WithStack(channelClosedError{})
	} else if ch == nil {
		if ch, err = ep.openAggregation(); err == nil {
			ep.aggr = ch
		}
	}
	if err == nil {
		t.setState(taskStateQueued)
		ch.pending <- t
	}
	ep.aggrMu.Unlock()

	if err != nil {
		go ep.complete(t, t.fail(err))
	}
}

// StopAggregation tears down the aggregation channel. Outstanding
// aggregated requests complete with a failure response, and later
// asynchronous requests use the shared connection instead.
func (ep *Endpoint) StopAggregation() {
	atomic.StoreInt32(&ep.aggregating, 0)
	ep.aggrMu.Lock()
	ch := ep.aggr
	ep.aggr = nil
	ep.aggrMu.Unlock()
	if ch != nil {
		ch.stop()
	}
}
