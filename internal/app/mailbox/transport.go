package mailbox

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"
)

// Transport describes how backend reaches the server. Connection manager
// fills it per attempt, backends call Dial to obtain raw stream.
type Transport struct {
	Address string
	Timeout time.Duration
	TLS     *tls.Config // nil for plain connection
}

// Dial opens TCP connection, performs TLS handshake when configured and
// applies per-call deadlines to every read and write.
func (t Transport) Dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return nil, err
	}

	if t.TLS != nil {
		tlsConn := tls.Client(conn, t.TLS)

		hsCtx := ctx
		if t.Timeout > 0 {
			var cancel context.CancelFunc
			hsCtx, cancel = context.WithTimeout(ctx, t.Timeout)
			defer cancel()
		}

		if err = tlsConn.HandshakeContext(hsCtx); err != nil {
			_ = conn.Close()
			return nil, &handshakeError{err: err}
		}
		conn = tlsConn
	}

	return &deadlineConn{Conn: conn, timeout: t.Timeout}, nil
}

// deadlineConn extends deadline before every read and write, so each call
// blocks at most timeout. Close is safe to call several times.
type deadlineConn struct {
	net.Conn
	timeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Write(b)
}

func (c *deadlineConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}
