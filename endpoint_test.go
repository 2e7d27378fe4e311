package rapnode

import (
	"bufio"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/hashicorp/go-metrics"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const leaktestEnabled = true

// httpTester is a loopback HTTP server that counts the connections made to it.
type httpTester struct {
	*httptest.Server
	newConns int64
	inFlight int64
	peak     int64
	host     string
	port     uint16
}

func newHTTPTester(t *testing.T) *httpTester {
	ht := &httpTester{}
	mux := http.NewServeMux()
	mux.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "hi")
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		w.Write(b)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Millisecond * 2)
		io.WriteString(w, r.URL.Query().Get("n"))
	})
	mux.HandleFunc("/sleep", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Millisecond * 200)
		io.WriteString(w, "late")
	})
	mux.HandleFunc("/x", func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	})
	ht.Server = httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&ht.inFlight, 1)
		defer atomic.AddInt64(&ht.inFlight, -1)
		for {
			peak := atomic.LoadInt64(&ht.peak)
			if n <= peak || atomic.CompareAndSwapInt64(&ht.peak, peak, n) {
				break
			}
		}
		mux.ServeHTTP(w, r)
	}))
	ht.Server.Config.ConnState = func(c net.Conn, cs http.ConnState) {
		if cs == http.StateNew {
			atomic.AddInt64(&ht.newConns, 1)
		}
	}
	ht.Start()
	addr := ht.Listener.Addr().(*net.TCPAddr)
	ht.host = addr.IP.String()
	ht.port = uint16(addr.Port)
	return ht
}

func (ht *httpTester) connCount() int64 {
	return atomic.LoadInt64(&ht.newConns)
}

// peakInFlight returns the largest number of requests handled at once.
func (ht *httpTester) peakInFlight() int64 {
	return atomic.LoadInt64(&ht.peak)
}

func quietLogHandler() slog.Handler {
	return slog.NewTextHandler(io.Discard, nil)
}

func quietOptions() []Option {
	return []Option{
		WithLogHandler(quietLogHandler()),
		WithMetricSink(&metrics.BlackholeSink{}),
	}
}

func newTestEndpoint(t *testing.T, host string, port uint16, mutate func(*Config), opts ...Option) *Endpoint {
	cfg := DefaultConfig(host, port)
	cfg.DialTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	ep, err := NewEndpoint(cfg, append(quietOptions(), opts...)...)
	require.NoError(t, err)
	require.NotNil(t, ep)
	return ep
}

// closedPort returns a loopback port nothing listens on.
func closedPort(t *testing.T) uint16 {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	require.NoError(t, ln.Close())
	return port
}

func Test_Endpoint_NewEndpoint(t *testing.T) {
	ep := newTestEndpoint(t, "127.0.0.1", 8080, nil)
	defer ep.Close()
	assert.Equal(t, "127.0.0.1:8080", ep.Endpoint())
	assert.Equal(t, "http://127.0.0.1:8080", ep.BaseURL())
	assert.Equal(t, "[Endpoint 127.0.0.1:8080]", ep.String())
	assert.False(t, ep.IsLocal())
	assert.False(t, ep.UsesAggregation())
	assert.Zero(t, ep.TasksCreated())
	assert.Zero(t, ep.SentReceivedBalance())

	_, err := NewEndpoint(Config{})
	assert.Error(t, err)
}

func Test_Endpoint_Send(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	ht := newHTTPTester(t)
	defer ht.Close()
	ep := newTestEndpoint(t, ht.host, ht.port, nil)
	defer ep.Close()

	resp, err := ep.Send("GET", "/hello", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hi", string(resp.Body))

	resp, err = ep.Get("/hello", "Accept: text/plain\r\n")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(resp.Body))
	assert.Equal(t, int64(1), ht.connCount())
}

func Test_Endpoint_Verbs(t *testing.T) {
	ht := newHTTPTester(t)
	defer ht.Close()
	ep := newTestEndpoint(t, ht.host, ht.port, nil)
	defer ep.Close()

	for method, fn := range map[string]func(string, string, []byte) (*Response, error){
		"POST":   ep.Post,
		"PUT":    ep.Put,
		"PATCH":  ep.Patch,
		"DELETE": ep.Delete,
	} {
		resp, err := fn("/echo", "", []byte("payload "+method))
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, method, resp.Header("X-Method"))
		assert.Equal(t, "payload "+method, string(resp.Body))
	}
}

func Test_Endpoint_SendClosedPort(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	ep := newTestEndpoint(t, "127.0.0.1", closedPort(t), nil)
	defer ep.Close()
	resp, err := ep.Send("GET", "/hello", "", nil)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)
	assert.Equal(t, "Service Unavailable", resp.StatusText)
	assert.NotEmpty(t, resp.Body)
	assert.Contains(t, string(resp.Body), "can't connect to")
}

func Test_Endpoint_ServerKilledMidRequest(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	ht := newHTTPTester(t)
	defer ht.Close()
	ep := newTestEndpoint(t, ht.host, ht.port, nil)
	defer ep.Close()

	resp, err := ep.Send("GET", "/x", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 503, resp.StatusCode)
	assert.NotEmpty(t, resp.Body)

	// the Endpoint recovers on the next request
	resp, err = ep.Send("GET", "/hello", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func Test_Endpoint_ReconnectOnDeadConnection(t *testing.T) {
	ht := newHTTPTester(t)
	defer ht.Close()
	ep := newTestEndpoint(t, ht.host, ht.port, nil)
	defer ep.Close()

	resp, err := ep.Get("/hello", "")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	ht.CloseClientConnections()
	time.Sleep(time.Millisecond * 20)

	resp, err = ep.Get("/hello", "")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hi", string(resp.Body))
	assert.Equal(t, int64(2), ht.connCount())
}

func Test_Endpoint_ReceiveTimeout(t *testing.T) {
	ht := newHTTPTester(t)
	defer ht.Close()
	ep := newTestEndpoint(t, ht.host, ht.port, func(cfg *Config) {
		cfg.ReceiveTimeout = time.Millisecond * 20
	})
	defer ep.Close()

	resp, err := ep.Get("/sleep", "")
	require.NoError(t, err)
	assert.Equal(t, 503, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "timed out")

	resp, err = ep.Get("/hello", "")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func Test_Endpoint_Head(t *testing.T) {
	ht := newHTTPTester(t)
	defer ht.Close()
	ep := newTestEndpoint(t, ht.host, ht.port, nil)
	defer ep.Close()

	resp, err := ep.Send("HEAD", "/hello", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "2", resp.Header("Content-Length"))
	assert.Empty(t, resp.Body)

	done := make(chan *Response, 1)
	require.NoError(t, ep.SendAsync("HEAD", "/hello", "", nil, nil, func(resp *Response, _ any) { done <- resp }))
	resp = <-done
	assert.Equal(t, 200, resp.StatusCode)
	assert.Empty(t, resp.Body)

	resp, err = ep.Get("/hello", "")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(resp.Body))
	assert.Equal(t, int64(1), ht.connCount())
}

func Test_Endpoint_SendTimeout(t *testing.T) {
	ht := newHTTPTester(t)
	defer ht.Close()
	ep := newTestEndpoint(t, ht.host, ht.port, nil)
	defer ep.Close()

	resp, err := ep.SendTimeout("GET", "/sleep", "", nil, time.Millisecond*20)
	require.NoError(t, err)
	assert.Equal(t, 503, resp.StatusCode)
	assert.Contains(t, string(resp.Body), "timed out")

	done := make(chan *Response, 1)
	require.NoError(t, ep.SendAsyncTimeout("GET", "/sleep", "", nil, time.Millisecond*20, nil, func(resp *Response, _ any) { done <- resp }))
	resp = <-done
	assert.Equal(t, 503, resp.StatusCode)

	// without a per-call timeout the Config applies, which has none
	resp, err = ep.Get("/sleep", "")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "late", string(resp.Body))
}

func Test_Endpoint_SendTimeoutOverridesConfig(t *testing.T) {
	ht := newHTTPTester(t)
	defer ht.Close()
	ep := newTestEndpoint(t, ht.host, ht.port, func(cfg *Config) {
		cfg.ReceiveTimeout = time.Millisecond * 20
	})
	defer ep.Close()

	resp, err := ep.SendTimeout("GET", "/sleep", "", nil, time.Second*5)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func Test_Endpoint_TimeoutSparesIdleConnection(t *testing.T) {
	ht := newHTTPTester(t)
	defer ht.Close()
	ep := newTestEndpoint(t, ht.host, ht.port, func(cfg *Config) {
		cfg.ReceiveTimeout = time.Millisecond * 20
	})
	defer ep.Close()

	resp, err := ep.Get("/hello", "")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	time.Sleep(time.Millisecond * 60)

	resp, err = ep.Get("/hello", "")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, int64(1), ht.connCount())
}

// dropSecondServer answers the first request on each connection and
// closes the connection after reading the second one.
type dropSecondServer struct {
	ln       net.Listener
	port     uint16
	requests int64
	wg       sync.WaitGroup
}

func newDropSecondServer(t *testing.T) *dropSecondServer {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ds := &dropSecondServer{ln: ln, port: uint16(ln.Addr().(*net.TCPAddr).Port)}
	ds.wg.Add(1)
	go func() {
		defer ds.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			ds.wg.Add(1)
			go ds.serve(conn)
		}
	}()
	return ds
}

func (ds *dropSecondServer) serve(conn net.Conn) {
	defer ds.wg.Done()
	defer conn.Close()
	br := bufio.NewReader(conn)
	for i := 0; i < 2; i++ {
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		io.Copy(io.Discard, req.Body)
		atomic.AddInt64(&ds.requests, 1)
		if i == 0 {
			io.WriteString(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
		}
	}
}

func (ds *dropSecondServer) Close() {
	ds.ln.Close()
	ds.wg.Wait()
}

func Test_Endpoint_RetryOnlyIdempotent(t *testing.T) {
	ds := newDropSecondServer(t)
	defer ds.Close()
	ep := newTestEndpoint(t, "127.0.0.1", ds.port, nil)
	defer ep.Close()

	resp, err := ep.Post("/p", "", []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	// the server reads the POST and closes; it must not be sent again
	resp, err = ep.Post("/p", "", []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, 503, resp.StatusCode)
	assert.Equal(t, int64(2), atomic.LoadInt64(&ds.requests))

	resp, err = ep.Get("/g", "")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	// a GET on the dying connection is retried on a new one
	resp, err = ep.Get("/g", "")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int64(5), atomic.LoadInt64(&ds.requests))
}

func Test_Endpoint_MalformedInput(t *testing.T) {
	ep := newTestEndpoint(t, "127.0.0.1", closedPort(t), nil)
	defer ep.Close()

	_, err := ep.Send("GET", "/", "X-A: 1", nil)
	assert.Equal(t, ErrMalformedHeaders, errors.Cause(err))
	err = ep.SendAsync("GET", "/", "X-A: 1", nil, nil, func(*Response, any) {
		t.Error("callback called for malformed request")
	})
	assert.Equal(t, ErrMalformedHeaders, errors.Cause(err))
	err = ep.SendAsync("GET", "no slash here", "", nil, nil, nil)
	assert.Equal(t, ErrMalformedRequest, errors.Cause(err))
	assert.Zero(t, ep.TasksCreated())
}

func Test_Endpoint_AsyncFIFOSingleActive(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	ht := newHTTPTester(t)
	defer ht.Close()
	ep := newTestEndpoint(t, ht.host, ht.port, nil)
	defer ep.Close()

	const n = 50
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		err := ep.GetAsync("/slow?n="+strconv.Itoa(i), "", i, func(resp *Response, userCtx any) {
			defer wg.Done()
			assert.Equal(t, 200, resp.StatusCode)
			assert.Equal(t, strconv.Itoa(userCtx.(int)), string(resp.Body))
			mu.Lock()
			order = append(order, userCtx.(int))
			mu.Unlock()
		})
		require.NoError(t, err)
	}
	wg.Wait()

	require.Len(t, order, n)
	for i := range order {
		assert.Equal(t, i, order[i])
	}
	assert.Equal(t, int64(1), ht.peakInFlight())
	assert.Equal(t, int64(1), ht.connCount())
}

func Test_Endpoint_AsyncPoolBound(t *testing.T) {
	ht := newHTTPTester(t)
	defer ht.Close()
	ep := newTestEndpoint(t, ht.host, ht.port, func(cfg *Config) {
		cfg.PoolCapacity = 4
	})
	defer ep.Close()

	var wg sync.WaitGroup
	for round := 0; round < 3; round++ {
		wg.Add(40)
		for i := 0; i < 40; i++ {
			require.NoError(t, ep.GetAsync("/hello", "", nil, func(resp *Response, _ any) {
				assert.Equal(t, 200, resp.StatusCode)
				wg.Done()
			}))
			assert.LessOrEqual(t, ep.TasksCreated(), 4)
		}
		wg.Wait()
	}
	assert.LessOrEqual(t, ep.TasksCreated(), 4)
	assert.Equal(t, int64(1), ht.peakInFlight())
}

func Test_Endpoint_SyncWaitsForAsync(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	ht := newHTTPTester(t)
	defer ht.Close()
	ep := newTestEndpoint(t, ht.host, ht.port, nil)
	defer ep.Close()

	var done int32
	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		require.NoError(t, ep.GetAsync("/slow", "", nil, func(*Response, any) {
			atomic.AddInt32(&done, 1)
			wg.Done()
		}))
	}
	resp, err := ep.Get("/hello", "")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, int32(10), atomic.LoadInt32(&done))
	wg.Wait()
	assert.Equal(t, int64(1), ht.peakInFlight())
}

func Test_Endpoint_AsyncFailure(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	ep := newTestEndpoint(t, "127.0.0.1", closedPort(t), nil)
	defer ep.Close()

	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		require.NoError(t, ep.GetAsync("/hello", "", nil, func(resp *Response, _ any) {
			assert.Equal(t, 503, resp.StatusCode)
			assert.NotEmpty(t, resp.Body)
			wg.Done()
		}))
	}
	wg.Wait()
}

func Test_Endpoint_CallbackRecovery(t *testing.T) {
	ht := newHTTPTester(t)
	defer ht.Close()
	ep := newTestEndpoint(t, ht.host, ht.port, nil, WithCallbackRecovery(true))
	defer ep.Close()

	require.NoError(t, ep.GetAsync("/hello", "", nil, func(*Response, any) {
		panic("callback failure")
	}))
	got := make(chan int, 1)
	require.NoError(t, ep.GetAsync("/hello", "", nil, func(resp *Response, _ any) {
		got <- resp.StatusCode
	}))
	assert.Equal(t, 200, <-got)
}

func Test_Endpoint_NestedAsyncWithSpareTask(t *testing.T) {
	if leaktestEnabled {
		defer leaktest.Check(t)()
	}
	ht := newHTTPTester(t)
	defer ht.Close()
	ep := newTestEndpoint(t, ht.host, ht.port, func(cfg *Config) {
		cfg.PoolCapacity = 2
	})
	defer ep.Close()

	inner := make(chan *Response, 1)
	require.NoError(t, ep.GetAsync("/hello", "", nil, func(resp *Response, _ any) {
		assert.Equal(t, 200, resp.StatusCode)
		// one Task is held by this callback, the other is free
		assert.NoError(t, ep.GetAsync("/slow?n=7", "", nil, func(resp *Response, _ any) {
			inner <- resp
		}))
	}))
	select {
	case resp := <-inner:
		assert.Equal(t, "7", string(resp.Body))
	case <-time.After(time.Second * 5):
		t.Fatal("nested request did not complete")
	}
	assert.Equal(t, 2, ep.TasksCreated())
}

func Test_Endpoint_Local(t *testing.T) {
	var calls int32
	local := LocalHandlerFunc(func(methodAndPath string, request []byte, port uint16) (*Response, bool) {
		atomic.AddInt32(&calls, 1)
		if methodAndPath != "GET /local" {
			return nil, false
		}
		return NewFailureResponse(200, "OK", "text/plain", "from "+strconv.Itoa(int(port))), true
	})
	ep := newTestEndpoint(t, "127.0.0.1", closedPort(t), func(cfg *Config) {
		cfg.Local = true
	}, WithLocalHandler(local))
	defer ep.Close()
	assert.True(t, ep.IsLocal())

	resp, err := ep.Get("/local", "")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "from "+strconv.Itoa(int(ep.cfg.Port)), string(resp.Body))

	got := make(chan *Response, 1)
	require.NoError(t, ep.GetAsync("/local", "", nil, func(resp *Response, _ any) { got <- resp }))
	assert.Equal(t, 200, (<-got).StatusCode)
	assert.Zero(t, ep.TasksCreated())

	// not handled locally, goes to the (closed) network port
	resp, err = ep.Get("/other", "")
	require.NoError(t, err)
	assert.Equal(t, 503, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func Test_Endpoint_Close(t *testing.T) {
	ht := newHTTPTester(t)
	defer ht.Close()
	ep := newTestEndpoint(t, ht.host, ht.port, nil)
	resp, err := ep.Get("/hello", "")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	assert.NoError(t, ep.Close())
	assert.NoError(t, ep.Close())
	_, err = ep.Get("/hello", "")
	assert.Equal(t, ErrEndpointClosed, err)
	assert.Equal(t, ErrEndpointClosed, ep.GetAsync("/hello", "", nil, nil))
}
