package rapnode

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func dialAggr(t *testing.T, at *aggrTester) net.Conn {
	conn, err := net.DialTimeout("tcp", at.srv.Addr, time.Second)
	require.NoError(t, err)
	return conn
}

func Test_AggregationServer_Handshake(t *testing.T) {
	at := newAggrTester(t, pathHandler)
	defer at.Close()

	for want := uint64(1); want <= 2; want++ {
		conn := dialAggr(t, at)
		wireID, err := aggregationHandshake(conn, 80, time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, wireID)
		conn.Close()
	}
}

func Test_AggregationServer_EchoesSlot(t *testing.T) {
	at := newAggrTester(t, pathHandler)
	defer at.Close()
	conn := dialAggr(t, at)
	defer conn.Close()
	wireID, err := aggregationHandshake(conn, 80, time.Second)
	require.NoError(t, err)

	fw := newFrameWriter(4096)
	for slot, path := range []string{"/a", "/bb", "/ccc"} {
		req, err := buildRequest(nil, "GET", path, "h", "", nil)
		require.NoError(t, err)
		fh := fw.append(req)
		fh.SetWireID(wireID)
		fh.SetSlot(slot + 10)
		fh.SetMsgType(MsgData)
	}
	_, err = fw.flush(conn)
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	fh := NewFrameHeader()
	for slot, path := range []string{"/a", "/bb", "/ccc"} {
		_, err = io.ReadFull(br, fh)
		require.NoError(t, err)
		assert.Equal(t, MsgData, fh.MsgType())
		assert.Equal(t, wireID, fh.WireID())
		assert.Equal(t, slot+10, fh.Slot())
		payload := make([]byte, fh.Size())
		_, err = io.ReadFull(br, payload)
		require.NoError(t, err)
		resp, err := parseAggregated(payload, false)
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, path, string(resp.Body))
	}
}

func Test_AggregationServer_BadRequestAndPanic(t *testing.T) {
	at := newAggrTester(t, func(ctx *fasthttp.RequestCtx) {
		panic("handler failure")
	})
	defer at.Close()
	conn := dialAggr(t, at)
	defer conn.Close()
	_, err := aggregationHandshake(conn, 80, time.Second)
	require.NoError(t, err)

	fw := newFrameWriter(1024)
	fh := fw.append([]byte("garbage\r\n\r\n"))
	fh.SetMsgType(MsgData)
	req, err := buildRequest(nil, "GET", "/", "h", "", nil)
	require.NoError(t, err)
	fh = fw.append(req)
	fh.SetMsgType(MsgData)
	fh.SetSlot(1)
	_, err = fw.flush(conn)
	require.NoError(t, err)

	fs := newFrameScanner(4096)
	var codes []int
	for len(codes) < 2 {
		_, err = fs.readFrom(conn)
		require.NoError(t, err)
		for {
			_, payload, ok := fs.next()
			if !ok {
				break
			}
			resp, err := parseAggregated(payload, false)
			require.NoError(t, err)
			codes = append(codes, resp.StatusCode)
		}
	}
	assert.Equal(t, []int{400, 500}, codes)
}

func Test_AggregationServer_DestroyClosesConn(t *testing.T) {
	at := newAggrTester(t, pathHandler)
	defer at.Close()
	conn := dialAggr(t, at)
	defer conn.Close()
	_, err := aggregationHandshake(conn, 80, time.Second)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return at.srv.ActiveConns() == 1 }, time.Second, time.Millisecond)

	fh := NewFrameHeader()
	fh.SetMsgType(MsgDestroySocket)
	_, err = conn.Write(fh)
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err)
	assert.Eventually(t, func() bool { return at.srv.ActiveConns() == 0 }, time.Second, time.Millisecond)
}

func Test_AggregationServer_RejectsOversizedFrame(t *testing.T) {
	at := newAggrTester(t, pathHandler)
	defer at.Close()
	conn := dialAggr(t, at)
	defer conn.Close()
	_, err := aggregationHandshake(conn, 80, time.Second)
	require.NoError(t, err)

	fh := NewFrameHeader()
	fh.SetMsgType(MsgData)
	fh.SetSize(0xffffffff)
	_, err = conn.Write(fh)
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err)
	assert.Eventually(t, func() bool { return at.srv.ActiveConns() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(FrameHeaderSize), at.srv.BytesRead())
}

func Test_AggregationServer_Close(t *testing.T) {
	at := newAggrTester(t, pathHandler)
	at.Close()
	assert.Equal(t, ErrServerClosed, at.serveErr)
	assert.Equal(t, "server closed", ErrServerClosed.Error())

	ln, err := at.srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	assert.Equal(t, ErrServerClosed, at.srv.Serve(ln))
}
