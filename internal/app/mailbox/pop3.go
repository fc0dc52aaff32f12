package mailbox

import (
	"bytes"
	"context"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"fmt"
	"net"
	"regexp"
	"sync"

	"github.com/knadh/go-pop3"

	"github.com/hickar/mailfetch/internal/app/config"
)

// apopTimestampRe matches APOP challenge in POP3 greeting, e.g. <1896.697170952@dbc.mtview.ca.us>.
var apopTimestampRe = regexp.MustCompile(`<[^<>\s]+@[^<>\s]+>`)

// POP3Backend opens POP3 sessions with go-pop3 over transport owned by manager.
type POP3Backend struct{}

func (POP3Backend) Proto() string {
	return config.ProtoPOP3
}

func (POP3Backend) Open(ctx context.Context, t Transport) (Conn, error) {
	host, port, err := splitAddress(t.Address)
	if err != nil {
		return nil, err
	}

	dialer := &pop3Dialer{ctx: ctx, transport: t}
	client := pop3.New(pop3.Opt{
		Host:        host,
		Port:        port,
		DialTimeout: t.Timeout,
		Dialer:      dialer,
	})

	conn, err := client.NewConn()
	if err != nil {
		if dialer.conn != nil {
			_ = dialer.conn.Close()
		}
		return nil, fmt.Errorf("pop3 greeting: %w", err)
	}

	return &pop3Conn{
		conn:      conn,
		raw:       dialer.conn,
		timestamp: apopTimestampRe.FindString(dialer.conn.greeting()),
	}, nil
}

// pop3Dialer hands go-pop3 a connection made by Transport and keeps it, so
// the greeting line can be inspected and the socket closed on failures.
type pop3Dialer struct {
	ctx       context.Context
	transport Transport
	conn      *recordingConn
}

func (d *pop3Dialer) Dial(_, _ string) (net.Conn, error) {
	conn, err := d.transport.Dial(d.ctx)
	if err != nil {
		return nil, err
	}

	d.conn = &recordingConn{Conn: conn}
	return d.conn, nil
}

// recordingConn remembers the first line received from server.
type recordingConn struct {
	net.Conn

	mu   sync.Mutex
	buf  bytes.Buffer
	done bool
}

func (c *recordingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)

	c.mu.Lock()
	if !c.done && n > 0 {
		chunk := b[:n]
		if i := bytes.IndexByte(chunk, '\n'); i >= 0 {
			chunk = chunk[:i+1]
			c.done = true
		}
		c.buf.Write(chunk)
	}
	c.mu.Unlock()

	return n, err
}

func (c *recordingConn) greeting() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

type pop3Conn struct {
	conn      *pop3.Conn
	raw       net.Conn
	timestamp string
}

func (c *pop3Conn) SupportsChallenge() bool {
	return c.timestamp != ""
}

func (c *pop3Conn) AuthBasic(username, password string) error {
	return c.conn.Auth(username, password)
}

// AuthChallenge authenticates with APOP: MD5 over greeting timestamp and password.
func (c *pop3Conn) AuthChallenge(username, password string) error {
	if c.timestamp == "" {
		return errChallengeUnsupported
	}

	_, err := c.conn.Cmd("APOP", false, username, apopDigest(c.timestamp, password))
	return err
}

func apopDigest(timestamp, password string) string {
	//nolint:gosec
	sum := md5.Sum([]byte(timestamp + password))
	return hex.EncodeToString(sum[:])
}

func (c *pop3Conn) List() ([]Entry, error) {
	list, err := c.conn.List(0)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}

	entries := make([]Entry, 0, len(list))
	for _, m := range list {
		entries = append(entries, Entry{Index: m.ID, Size: int64(m.Size)})
	}

	// UIDL is optional, listing stays usable without it.
	uids, err := c.conn.Uidl(0)
	if err != nil {
		if isTransportError(err) {
			return nil, fmt.Errorf("uidl: %w", err)
		}
		return entries, nil
	}

	byID := make(map[int]string, len(uids))
	for _, m := range uids {
		byID[m.ID] = m.UID
	}
	for i := range entries {
		entries[i].UID = byID[entries[i].Index]
	}

	return entries, nil
}

func (c *pop3Conn) Retrieve(index int) ([]byte, error) {
	buf, err := c.conn.RetrRaw(index)
	if err != nil {
		return nil, fmt.Errorf("retr: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *pop3Conn) Delete(index int) error {
	if err := c.conn.Dele(index); err != nil {
		return fmt.Errorf("dele: %w", err)
	}
	return nil
}

func (c *pop3Conn) Logout() error {
	return c.conn.Quit()
}

func (c *pop3Conn) Close() error {
	return c.raw.Close()
}

func splitAddress(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("split address: %w", err)
	}

	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return "", 0, fmt.Errorf("parse port: %w", err)
	}

	return host, port, nil
}
