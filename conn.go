package cipherlink

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/xerrors"
)

// readSize is the initial size of the receive buffer, and the most that is read
// from the transport at once while the buffer has room.
const readSize = 32 * 1024

// Conn is a tunnel connection: a transport stream carrying encrypted frames.
// SendFrame and ReceiveFrame exchange whole messages. Read and Write make a Conn
// usable as a plain net.Conn.
//
// One goroutine may send while another receives. Close may be called at any time
// from any goroutine, and unblocks pending reads and writes.
type Conn struct {
	conn     net.Conn
	config   *Config
	cipher   *SessionCipher
	maxFrame int
	closed   atomic.Bool

	reader struct {
		sync.Mutex
		scratch    []byte // Holds received bytes in [start:end].
		start, end int
		plain      []byte // Decrypted bytes not yet returned by Read.
		err        error  // Sticky, set on first failure.
	}

	writer struct {
		sync.Mutex
		err error // Sticky, set on first failure.
	}
}

// NewConn turns an established transport connection into a tunnel connection
// using the key in config. On failure, conn is not closed.
func NewConn(conn net.Conn, config *Config) (*Conn, error) {
	if err := checkConfig(config); err != nil {
		return nil, err
	}
	cipher, err := NewSessionCipher(config.Key, config.Rand)
	if err != nil {
		return nil, err
	}
	c := &Conn{
		conn:     conn,
		config:   config,
		cipher:   cipher,
		maxFrame: config.maxFrameSize(),
	}
	return c, nil
}

// Dial connects to the tunnel server at address.
func Dial(network, address string, config *Config) (*Conn, error) {
	return DialContext(context.Background(), network, address, config)
}

// DialContext connects to the tunnel server at address. The dial is bounded by
// ctx and the configured dial timeout.
func DialContext(ctx context.Context, network, address string, config *Config) (*Conn, error) {
	if err := checkConfig(config); err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: config.dialTimeout()}
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	c, err := NewConn(conn, config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

type listener struct {
	net.Listener
	config *Config
}

// Listen creates a listener for incoming tunnels. Accept on the returned listener
// returns a *Conn.
func Listen(network, address string, config *Config) (net.Listener, error) {
	if err := checkConfig(config); err != nil {
		return nil, err
	}
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return &listener{l, config}, nil
}

// Accept waits for the next incoming transport connection and returns it as a
// *Conn.
func (l *listener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	nc, err := NewConn(conn, l.config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return nc, nil
}

// LocalAddr returns the local network address of the underlying connection.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address of the underlying connection.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline calls the SetDeadline on the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline calls the SetReadDeadline on the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline calls the SetWriteDeadline on the underlying connection.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// SendFrame encrypts plaintext and writes it as one frame. It blocks until the
// transport accepted all bytes of the frame. A plaintext that would not fit in the
// maximum frame size fails with ErrFrameTooLarge and leaves the connection usable.
// Any other error is permanent.
func (c *Conn) SendFrame(plaintext []byte) error {
	c.writer.Lock()
	defer c.writer.Unlock()
	return c.sendFrame(plaintext)
}

// Must be called with writer lock held.
func (c *Conn) sendFrame(plaintext []byte) error {
	if c.writer.err != nil {
		return c.writer.err
	}
	size := HeaderSize + Overhead + len(plaintext)
	if size > c.maxFrame {
		return prefixError(ErrFrameTooLarge, "frame of %d bytes, maximum is %d", size, c.maxFrame)
	}

	buf := make([]byte, HeaderSize, size)
	buf, err := c.cipher.seal(buf, plaintext)
	if err != nil {
		c.writer.err = xerrors.Errorf("encrypting frame: %w", err)
		return c.writer.err
	}
	putHeader(buf, ProtocolVersion, len(buf)-HeaderSize)

	if _, err := c.conn.Write(buf); err != nil {
		if c.closed.Load() {
			err = ErrConnClosed
		}
		c.writer.err = xerrors.Errorf("writing frame: %w", err)
		return c.writer.err
	}
	return nil
}

// ReceiveFrame returns the plaintext of the next frame. It reads from the transport
// until a whole frame is buffered; bytes of following frames are kept for later
// calls.
//
// When the remote closes the transport between frames, ErrTunnelClosed is
// returned. Closing inside a frame results in ErrProtocol. A frame with an unknown
// version fails with ErrUnsupportedVersion, and a frame declaring a size over the
// maximum fails with ErrFrameTooLarge before its body is read. Errors are
// permanent: later calls return the same error.
func (c *Conn) ReceiveFrame() ([]byte, error) {
	c.reader.Lock()
	defer c.reader.Unlock()
	return c.receiveFrame()
}

// Must be called with reader lock held.
func (c *Conn) receiveFrame() (plaintext []byte, rerr error) {
	r := &c.reader
	if r.err != nil {
		return nil, r.err
	}
	defer func() {
		if rerr != nil {
			r.err = rerr
		}
	}()

	for {
		buffered := r.scratch[r.start:r.end]
		need := 0
		if h, ok := ParseHeader(buffered); ok {
			if h.Version != ProtocolVersion {
				return nil, prefixError(ErrUnsupportedVersion, "got version %d, expected %d", h.Version, ProtocolVersion)
			}
			if h.NonceLen != NonceSize {
				return nil, prefixError(ErrMalformedInput, "nonce length %d, expected %d", h.NonceLen, NonceSize)
			}
			if h.FrameSize() > int64(c.maxFrame) {
				return nil, prefixError(ErrFrameTooLarge, "frame of %d bytes announced, maximum is %d", h.FrameSize(), c.maxFrame)
			}
			f, n, err := Unpack(buffered)
			if err == nil {
				plaintext, err := c.cipher.Decrypt(f.Ciphertext)
				r.start += n
				if r.start == r.end {
					r.start, r.end = 0, 0
				}
				if err != nil {
					return nil, xerrors.Errorf("decrypting frame: %w", err)
				}
				return plaintext, nil
			}
			if !xerrors.Is(err, ErrIncomplete) {
				return nil, err
			}
			need = int(h.FrameSize())
		}

		err := c.fill(need)
		if err == io.EOF {
			if r.end == r.start {
				return nil, ErrTunnelClosed
			}
			return nil, &wrapErr{ErrProtocol, xerrors.Errorf("transport closed after %d bytes of partial frame: %w", r.end-r.start, io.ErrUnexpectedEOF)}
		}
		if err != nil {
			if c.closed.Load() {
				return nil, ErrConnClosed
			}
			return nil, xerrors.Errorf("reading frame: %w", err)
		}
	}
}

// fill reads more bytes from the transport into the receive buffer. Need is the
// size of the frame being assembled, or zero if its header is not complete yet.
// Must be called with reader lock held.
func (c *Conn) fill(need int) error {
	r := &c.reader
	if r.scratch == nil {
		r.scratch = make([]byte, readSize)
	}
	if r.end == len(r.scratch) && r.start > 0 {
		n := copy(r.scratch, r.scratch[r.start:r.end])
		r.start, r.end = 0, n
	}
	if r.end == len(r.scratch) {
		// Buffer holds a single partial frame, larger than the buffer. Its size was
		// checked against the maximum frame size.
		size := 2 * len(r.scratch)
		if size > c.maxFrame {
			size = c.maxFrame
		}
		if size < need {
			size = need
		}
		nbuf := make([]byte, size)
		copy(nbuf, r.scratch[:r.end])
		r.scratch = nbuf
	}
	for {
		n, err := c.conn.Read(r.scratch[r.end:])
		r.end += n
		if n > 0 {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Read reads plaintext from the tunnel. Frame boundaries are not preserved. Read
// returns io.EOF when the remote closed the tunnel between frames.
func (c *Conn) Read(buf []byte) (int, error) {
	c.reader.Lock()
	defer c.reader.Unlock()

	if len(buf) == 0 {
		return 0, nil
	}
	for len(c.reader.plain) == 0 {
		p, err := c.receiveFrame()
		if err == ErrTunnelClosed {
			return 0, io.EOF
		}
		if err != nil {
			return 0, err
		}
		c.reader.plain = p
	}
	n := copy(buf, c.reader.plain)
	c.reader.plain = c.reader.plain[n:]
	return n, nil
}

// Write sends buf in frames of at most the configured chunk size.
func (c *Conn) Write(buf []byte) (written int, err error) {
	c.writer.Lock()
	defer c.writer.Unlock()

	chunk := c.config.chunkSize()
	for len(buf) > 0 {
		n := len(buf)
		if n > chunk {
			n = chunk
		}
		if err := c.sendFrame(buf[:n]); err != nil {
			return written, err
		}
		written += n
		buf = buf[n:]
	}
	return written, nil
}

// CloseWrite shuts down the writing side of the underlying transport, so remote
// reads an EOF at a frame boundary. Frames can still be received until remote
// closes its side. The transport must implement CloseWrite, like *net.TCPConn.
// CloseWrite does not close the underlying connection.
func (c *Conn) CloseWrite() error {
	c.writer.Lock()
	defer c.writer.Unlock()
	if c.writer.err != nil {
		return c.writer.err
	}
	cw, ok := c.conn.(interface{ CloseWrite() error })
	if !ok {
		return errNoCloseWrite
	}
	if err := cw.CloseWrite(); err != nil {
		c.writer.err = xerrors.Errorf("closing write side: %w", err)
		return c.writer.err
	}
	c.writer.err = ErrConnClosed
	return nil
}

// Close closes the underlying transport, which makes pending and future reads and
// writes fail. Buffered data is cleared. Close can be called multiple times.
func (c *Conn) Close() error {
	if !c.closed.CAS(false, true) {
		return nil
	}
	err := c.conn.Close()

	c.reader.Lock()
	for i := range c.reader.scratch {
		c.reader.scratch[i] = 0
	}
	c.reader.scratch = nil
	c.reader.start, c.reader.end = 0, 0
	c.reader.plain = nil
	if c.reader.err == nil {
		c.reader.err = ErrConnClosed
	}
	c.reader.Unlock()

	c.writer.Lock()
	if c.writer.err == nil {
		c.writer.err = ErrConnClosed
	}
	c.writer.Unlock()

	return err
}
