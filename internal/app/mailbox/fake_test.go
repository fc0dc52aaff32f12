package mailbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hickar/mailfetch/internal/app/config"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type fakeBackend struct {
	openErrs   []error
	conn       *fakeConn
	transports []Transport
}

func (b *fakeBackend) Proto() string {
	return "fake"
}

func (b *fakeBackend) Open(_ context.Context, t Transport) (Conn, error) {
	b.transports = append(b.transports, t)
	if err := popErr(&b.openErrs); err != nil {
		return nil, err
	}

	b.conn.closed = false
	return b.conn, nil
}

func (b *fakeBackend) opens() int {
	return len(b.transports)
}

type fakeConn struct {
	challenge     bool
	basicErrs     []error
	challengeErrs []error
	entries       []Entry
	messages      map[int][]byte
	retrieveErrs  map[int]error
	logoutErr     error

	calls   []string
	deleted []int
	closed  bool
	closes  int
	logouts int
}

func (c *fakeConn) SupportsChallenge() bool {
	return c.challenge
}

func (c *fakeConn) AuthBasic(_, _ string) error {
	c.calls = append(c.calls, "basic")
	return popErr(&c.basicErrs)
}

func (c *fakeConn) AuthChallenge(_, _ string) error {
	c.calls = append(c.calls, "challenge")
	return popErr(&c.challengeErrs)
}

func (c *fakeConn) List() ([]Entry, error) {
	c.calls = append(c.calls, "list")
	return c.entries, nil
}

func (c *fakeConn) Retrieve(index int) ([]byte, error) {
	c.calls = append(c.calls, fmt.Sprintf("retrieve %d", index))
	if err, ok := c.retrieveErrs[index]; ok {
		delete(c.retrieveErrs, index)
		return nil, err
	}
	raw, ok := c.messages[index]
	if !ok {
		return nil, fmt.Errorf("-ERR no such message %d", index)
	}
	return raw, nil
}

func (c *fakeConn) Delete(index int) error {
	c.deleted = append(c.deleted, index)
	return nil
}

func (c *fakeConn) Logout() error {
	c.logouts++
	return c.logoutErr
}

func (c *fakeConn) Close() error {
	c.closes++
	c.closed = true
	return nil
}

// popErr returns first error of list, the last one repeats forever.
func popErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	if len(*errs) > 1 {
		*errs = (*errs)[1:]
	}
	return err
}

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return nil
}

func testConfig() config.ConnectionConfig {
	return config.ConnectionConfig{
		Proto:      config.ProtoPOP3,
		Host:       "pop.example.com",
		Port:       995,
		UseTLS:     true,
		Username:   "alice",
		Password:   "secret",
		AuthMethod: config.AuthBasic,
		Timeout:    time.Second,
		MaxRetries: 3,
	}
}
