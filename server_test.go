package cipherlink

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/xerrors"
)

// echoServer accepts plaintext connections and echoes everything back.
func echoServer(t *testing.T) net.Listener {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	check(t, err, nil, "listen")
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	t.Cleanup(func() { l.Close() })
	return l
}

// runServer starts s on a new loopback listener. Cancel ctx and read from the
// returned channel to wait for Serve to return.
func runServer(t *testing.T, ctx context.Context, s *Server) (string, chan error) {
	t.Helper()

	l, err := Listen("tcp", "127.0.0.1:0", s.Config)
	check(t, err, nil, "listen")
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx, l)
	}()
	return l.Addr().String(), done
}

func waitServe(t *testing.T, done chan error) {
	t.Helper()

	select {
	case err := <-done:
		check(t, err, nil, "serve")
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for serve to return")
	}
}

// capture is a TCP relay that records the bytes sent towards the server.
type capture struct {
	sync.Mutex
	upstream bytes.Buffer
}

func (c *capture) Write(buf []byte) (int, error) {
	c.Lock()
	defer c.Unlock()
	return c.upstream.Write(buf)
}

func (c *capture) bytes() []byte {
	c.Lock()
	defer c.Unlock()
	return append([]byte(nil), c.upstream.Bytes()...)
}

func startCapture(t *testing.T, serverAddr string) (*capture, net.Listener) {
	t.Helper()

	c := &capture{}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	check(t, err, nil, "listen")
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				sconn, err := net.Dial("tcp", serverAddr)
				if err != nil {
					return
				}
				defer sconn.Close()
				down := make(chan struct{})
				go func() {
					io.Copy(conn, sconn)
					conn.(*net.TCPConn).CloseWrite()
					close(down)
				}()
				io.Copy(io.MultiWriter(sconn, c), conn)
				sconn.(*net.TCPConn).CloseWrite()
				<-down
			}()
		}
	}()
	t.Cleanup(func() { l.Close() })
	return c, l
}

// startClient serves local connections for a client that tunnels to serverAddr.
func startClient(t *testing.T, ctx context.Context, key SharedKey, serverAddr string) (*Client, net.Listener, chan error) {
	t.Helper()

	host, port, err := net.SplitHostPort(serverAddr)
	check(t, err, nil, "split server address")
	config := NewConfig()
	config.Key = key
	config.ClientHost = host
	config.ServerPort, err = strconv.Atoi(port)
	check(t, err, nil, "parse port")
	config.DialRetries = 0
	cl := &Client{Config: config, Log: zaptest.NewLogger(t)}

	local, err := net.Listen("tcp", "127.0.0.1:0")
	check(t, err, nil, "listen")
	done := make(chan error, 1)
	go func() {
		done <- cl.Serve(ctx, local)
	}()
	return cl, local, done
}

func TestServerEndToEnd(t *testing.T) {
	echo := echoServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := testConfig(t)
	config.Target = echo.Addr().String()
	srv := &Server{Config: config, Log: zaptest.NewLogger(t)}
	serverAddr, serverDone := runServer(t, ctx, srv)

	captured, relay := startCapture(t, serverAddr)
	cl, local, clientDone := startClient(t, ctx, config.Key, relay.Addr().String())

	request := []byte("GET /\r\n\r\n")
	app, err := net.Dial("tcp", local.Addr().String())
	check(t, err, nil, "dial client")
	_, err = app.Write(request)
	check(t, err, nil, "write request")
	app.SetReadDeadline(time.Now().Add(5 * time.Second))
	got := make([]byte, len(request))
	_, err = io.ReadFull(app, got)
	check(t, err, nil, "read echo")
	if !bytes.Equal(got, request) {
		t.Fatalf("got %q, expected %q", got, request)
	}

	// The end of the stream travels through both ends of the tunnel, and back.
	err = app.(*net.TCPConn).CloseWrite()
	check(t, err, nil, "close write")
	rest, err := io.ReadAll(app)
	check(t, err, nil, "read until eof")
	if len(rest) != 0 {
		t.Fatalf("unexpected data after echo: %q", rest)
	}
	app.Close()

	wire := captured.bytes()
	if bytes.Contains(wire, []byte("GET /")) {
		t.Fatalf("plaintext request visible on tunnel link")
	}
	if len(wire) < HeaderSize || !bytes.Equal(wire[:5], []byte{0x01, 0x00, 0x00, 0x00, 0x18}) {
		t.Fatalf("unexpected frame header on link: %x", wire)
	}

	cancel()
	waitServe(t, serverDone)
	waitServe(t, clientDone)

	n := int64(len(request))
	ss := srv.Stats.Snapshot()
	if ss.Opened != 1 || ss.Closed != 1 || ss.BytesUp != n || ss.BytesDown != n {
		t.Fatalf("server stats %+v", ss)
	}
	cs := cl.Stats.Snapshot()
	if cs.Opened != 1 || cs.Active() != 0 || cs.BytesUp != n || cs.BytesDown != n {
		t.Fatalf("client stats %+v", cs)
	}
}

// A destination that writes its last bytes and closes while the client is still
// sending must have those bytes delivered to the client, over real TCP where
// closing a socket with unread data resets it.
func TestServerDestinationCloseDelivers(t *testing.T) {
	dest, err := net.Listen("tcp", "127.0.0.1:0")
	check(t, err, nil, "listen")
	defer dest.Close()
	go func() {
		for {
			conn, err := dest.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				conn.Write([]byte("bye"))
				conn.(*net.TCPConn).CloseWrite()
				io.Copy(io.Discard, conn)
			}()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := testConfig(t)
	config.Target = dest.Addr().String()
	srv := &Server{Config: config, Log: zaptest.NewLogger(t)}
	serverAddr, serverDone := runServer(t, ctx, srv)
	cl, local, clientDone := startClient(t, ctx, config.Key, serverAddr)

	for i := 0; i < 10; i++ {
		app, err := net.Dial("tcp", local.Addr().String())
		check(t, err, nil, "dial client")

		// Keep the client busy sending while the destination closes.
		go func() {
			buf := make([]byte, 16*1024)
			for {
				if _, err := app.Write(buf); err != nil {
					return
				}
			}
		}()

		app.SetReadDeadline(time.Now().Add(5 * time.Second))
		got, err := io.ReadAll(app)
		check(t, err, nil, "read all")
		if string(got) != "bye" {
			t.Fatalf("iteration %d: got %q, expected bye", i, got)
		}
		app.Close()
	}

	cancel()
	waitServe(t, serverDone)
	waitServe(t, clientDone)

	if st := cl.Stats.Snapshot(); st.BytesDown != 10*3 {
		t.Fatalf("client stats %+v", st)
	}
	if st := srv.Stats.Snapshot(); st.Opened != 10 || st.Active() != 0 || st.ProtocolErrors != 0 {
		t.Fatalf("server stats %+v", st)
	}
}

func TestServerFaultIsolation(t *testing.T) {
	echo := echoServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := testConfig(t)
	config.Target = echo.Addr().String()
	core, logs := observer.New(zap.InfoLevel)
	srv := &Server{Config: config, Log: zap.New(core)}
	addr, done := runServer(t, ctx, srv)

	// Client B has the right key, and is in the middle of a transfer when A fails.
	b, err := Dial("tcp", addr, config)
	check(t, err, nil, "dial b")
	defer b.Close()

	msg := make([]byte, 1<<20)
	for i := range msg {
		msg[i] = byte(i*31 + i>>8)
	}
	errc := make(chan error, 1)
	go func() {
		_, err := b.Write(msg)
		errc <- err
	}()
	got := make([]byte, len(msg))
	b.SetReadDeadline(time.Now().Add(10 * time.Second))
	half := len(msg) / 4
	_, err = io.ReadFull(b, got[:half])
	check(t, err, nil, "read first part of echo b")

	// Client A has the wrong key.
	a, err := Dial("tcp", addr, testConfig(t))
	check(t, err, nil, "dial a")
	defer a.Close()
	check(t, a.SendFrame([]byte("forged")), nil, "send a")
	_, err = a.ReceiveFrame()
	check(t, err, ErrTunnelClosed, "receive a")

	_, err = io.ReadFull(b, got[half:])
	check(t, err, nil, "read rest of echo b")
	check(t, <-errc, nil, "write b")
	if !bytes.Equal(got, msg) {
		t.Fatalf("echo through b differs")
	}

	// B still works in both directions after A is gone.
	_, err = b.Write([]byte("still here"))
	check(t, err, nil, "write b after a failed")
	tail := make([]byte, len("still here"))
	_, err = io.ReadFull(b, tail)
	check(t, err, nil, "read b after a failed")
	if string(tail) != "still here" {
		t.Fatalf("got %q", tail)
	}
	b.Close()

	cancel()
	waitServe(t, done)

	st := srv.Stats.Snapshot()
	if st.AuthFailures != 1 {
		t.Fatalf("auth failures %d, expected 1", st.AuthFailures)
	}
	if st.Opened != 2 || st.Active() != 0 {
		t.Fatalf("stats %+v", st)
	}
	if n := logs.FilterMessage("pair closed: authentication failed, possible tampering or key mismatch").Len(); n != 1 {
		t.Fatalf("got %d authentication failure log events, expected 1", n)
	}
}

func TestServerTargetUnreachable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := testConfig(t)
	srv := &Server{
		Config: config,
		DialTarget: func(ctx context.Context) (net.Conn, error) {
			return nil, xerrors.New("connection refused")
		},
	}
	addr, done := runServer(t, ctx, srv)

	c, err := Dial("tcp", addr, config)
	check(t, err, nil, "dial")
	defer c.Close()
	_, err = c.ReceiveFrame()
	check(t, err, ErrTunnelClosed, "receive")

	cancel()
	waitServe(t, done)
	if st := srv.Stats.Snapshot(); st.Opened != 0 {
		t.Fatalf("pair opened without target, stats %+v", st)
	}
}

func TestServerConfig(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	check(t, err, nil, "listen")

	srv := &Server{Config: testConfig(t)}
	err = srv.Serve(context.Background(), l)
	check(t, err, ErrBadConfig, "serve without target")

	// Listener was closed.
	_, err = l.Accept()
	if err == nil {
		t.Fatalf("accept on listener after failed serve succeeded")
	}

	srv = &Server{}
	err = srv.ListenAndServe(context.Background())
	check(t, err, errNoConfig, "serve without config")
}
