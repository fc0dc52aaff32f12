package retriever

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/hickar/mailfetch/internal/app/format"
	"github.com/hickar/mailfetch/internal/app/mailbox"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var testParser = format.NewParser(discardLogger)

type fakeMessage struct {
	id  int
	raw string
}

func rawMessage(id int) string {
	return fmt.Sprintf("From: Sender %d <sender%d@example.com>\r\n"+
		"To: rcpt@example.com\r\n"+
		"Subject: message %d\r\n"+
		"Date: Mon, %02d Jan 2024 10:00:00 +0000\r\n"+
		"Message-ID: <m%d@example.com>\r\n"+
		"\r\n"+
		"body %d\r\n", id, id, id, (id-1)%28+1, id, id)
}

func fakeMailbox(n int) []fakeMessage {
	msgs := make([]fakeMessage, n)
	for i := range msgs {
		msgs[i] = fakeMessage{id: i + 1, raw: rawMessage(i + 1)}
	}
	return msgs
}

// fakeSession mimics POP3 semantics: deletions are committed by graceful
// disconnect and remaining messages are renumbered.
type fakeSession struct {
	messages     []fakeMessage
	uids         bool
	connectErrs  []error
	listErr      error
	retrieveErrs map[int][]error // by message id
	deleteErr    error

	connected   bool
	pending     []int
	connects    int
	disconnects int
	retrieved   []int // message ids
}

func (s *fakeSession) Connect(context.Context) (*mailbox.RetrySession, error) {
	s.connects++
	if len(s.connectErrs) > 0 {
		err := s.connectErrs[0]
		s.connectErrs = s.connectErrs[1:]
		if err != nil {
			return &mailbox.RetrySession{Attempt: 1}, err
		}
	}

	s.connected = true
	return &mailbox.RetrySession{Attempt: 1}, nil
}

func (s *fakeSession) ensure(ctx context.Context) error {
	if s.connected {
		return nil
	}
	_, err := s.Connect(ctx)
	return err
}

func (s *fakeSession) List(ctx context.Context) ([]mailbox.Entry, error) {
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	if s.listErr != nil {
		return nil, s.listErr
	}

	entries := make([]mailbox.Entry, 0, len(s.messages))
	for i, m := range s.messages {
		e := mailbox.Entry{Index: i + 1, Size: int64(len(m.raw))}
		if s.uids {
			e.UID = fmt.Sprintf("uid-%d", m.id)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *fakeSession) Retrieve(ctx context.Context, index int) ([]byte, error) {
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}
	if index < 1 || index > len(s.messages) {
		return nil, fmt.Errorf("no such message %d", index)
	}

	m := s.messages[index-1]
	if errs := s.retrieveErrs[m.id]; len(errs) > 0 {
		err := errs[0]
		s.retrieveErrs[m.id] = errs[1:]
		if mailbox.IsTransient(err) {
			s.connected = false
			s.pending = nil
		}
		return nil, err
	}

	s.retrieved = append(s.retrieved, m.id)
	return []byte(m.raw), nil
}

func (s *fakeSession) Delete(_ context.Context, index int) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.pending = append(s.pending, index)
	return nil
}

func (s *fakeSession) Disconnect(context.Context) {
	s.disconnects++
	if !s.connected {
		return
	}

	sort.Sort(sort.Reverse(sort.IntSlice(s.pending)))
	for _, idx := range s.pending {
		s.messages = append(s.messages[:idx-1], s.messages[idx:]...)
	}
	s.pending = nil
	s.connected = false
}

type fakeReadState struct {
	read map[string]bool
	err  error
}

func (r *fakeReadState) IsRead(_ context.Context, account, uid string) (bool, error) {
	if r.err != nil {
		return false, r.err
	}
	return r.read[account+"/"+uid], nil
}

func (r *fakeReadState) MarkRead(_ context.Context, account string, uids ...string) error {
	for _, uid := range uids {
		r.read[account+"/"+uid] = true
	}
	return nil
}

type sleepRecorder struct {
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func transientErr() error {
	return &mailbox.ConnectionError{Category: mailbox.CategoryNetwork, Op: "retrieve", Err: io.ErrUnexpectedEOF}
}
