package cipherlink

import (
	"io"
	"net"
	"testing"

	"golang.org/x/xerrors"
)

func check(t *testing.T, got, expect error, action string) {
	t.Helper()

	if got == expect {
		return
	}
	if expect == nil || expect == io.EOF || !xerrors.Is(got, expect) {
		t.Fatalf("%s: got %v, expected %v", action, got, expect)
	}
}

func testConfig(t *testing.T) *Config {
	t.Helper()

	key, err := GenerateSharedKey(nil)
	if err != nil {
		t.Fatalf("generating key: %s", err)
	}
	config := NewConfig()
	config.Key = key
	config.DialRetries = 0
	return config
}

// tunnelPair returns two tunnel connections connected through net.Pipe, sharing
// config.
func tunnelPair(t *testing.T, config *Config) (*Conn, *Conn) {
	t.Helper()

	a, b := net.Pipe()
	ca, err := NewConn(a, config)
	check(t, err, nil, "new conn")
	cb, err := NewConn(b, config)
	check(t, err, nil, "new conn")
	return ca, cb
}

// rawPair returns a tunnel connection and the raw other end of its transport.
func rawPair(t *testing.T, config *Config) (*Conn, net.Conn) {
	t.Helper()

	a, b := net.Pipe()
	c, err := NewConn(a, config)
	check(t, err, nil, "new conn")
	return c, b
}

// writeAsync writes each buffer to conn in a separate write, from a new
// goroutine, and optionally closes conn afterwards. The returned channel receives
// the first write error.
func writeAsync(conn net.Conn, bufs [][]byte, close bool) chan error {
	errc := make(chan error, 1)
	go func() {
		var err error
		for _, buf := range bufs {
			if _, err = conn.Write(buf); err != nil {
				break
			}
		}
		if close {
			conn.Close()
		}
		errc <- err
	}()
	return errc
}
