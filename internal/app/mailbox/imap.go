package mailbox

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"

	"github.com/hickar/mailfetch/internal/app/config"
)

const inbox = "INBOX"

var capAuthCRAMMD5 = imap.Cap("AUTH=" + CRAMMD5)

// IMAPBackend opens IMAP sessions with go-imap over transport owned by manager.
// INBOX is exposed with POP3 semantics: sequence numbers as indices and
// deletions committed on logout.
type IMAPBackend struct{}

func (IMAPBackend) Proto() string {
	return config.ProtoIMAP
}

func (IMAPBackend) Open(ctx context.Context, t Transport) (Conn, error) {
	conn, err := t.Dial(ctx)
	if err != nil {
		return nil, err
	}

	client := imapclient.New(conn, &imapclient.Options{
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
	})
	if err = client.WaitGreeting(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("imap greeting: %w", err)
	}

	return &imapConn{client: client, raw: conn}, nil
}

type imapConn struct {
	client *imapclient.Client
	raw    net.Conn

	selected    bool
	uidValidity uint32
	numMessages uint32
	deleted     bool
}

func (c *imapConn) SupportsChallenge() bool {
	return c.client.Caps().Has(capAuthCRAMMD5)
}

func (c *imapConn) AuthBasic(username, password string) error {
	return c.client.Login(username, password).Wait()
}

func (c *imapConn) AuthChallenge(username, password string) error {
	if !c.SupportsChallenge() {
		return errChallengeUnsupported
	}
	return c.client.Authenticate(NewCRAMMD5Client(username, password))
}

func (c *imapConn) selectInbox() error {
	if c.selected {
		return nil
	}

	data, err := c.client.Select(inbox, nil).Wait()
	if err != nil {
		return fmt.Errorf("select %s: %w", inbox, err)
	}

	c.selected = true
	c.uidValidity = data.UIDValidity
	c.numMessages = data.NumMessages
	return nil
}

func (c *imapConn) List() ([]Entry, error) {
	if err := c.selectInbox(); err != nil {
		return nil, err
	}
	if c.numMessages == 0 {
		return nil, nil
	}

	seqSet := imap.SeqSet{imap.SeqRange{Start: 1, Stop: c.numMessages}}
	msgs, err := c.client.Fetch(seqSet, &imap.FetchOptions{UID: true, RFC822Size: true}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch sizes: %w", err)
	}

	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entry := Entry{Index: int(msg.SeqNum), Size: msg.RFC822Size}
		if msg.UID != 0 {
			entry.UID = strconv.FormatUint(uint64(c.uidValidity), 10) + "." + strconv.FormatUint(uint64(msg.UID), 10)
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

func (c *imapConn) Retrieve(index int) ([]byte, error) {
	if index <= 0 {
		return nil, fmt.Errorf("invalid message number %d", index)
	}
	if err := c.selectInbox(); err != nil {
		return nil, err
	}

	section := &imap.FetchItemBodySection{Peek: true}
	msgs, err := c.client.Fetch(imap.SeqSetNum(uint32(index)), &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch body: %w", err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("message %d not found", index)
	}

	body := msgs[0].FindBodySection(section)
	if body == nil {
		return nil, errors.New("message body section is missing")
	}

	return body, nil
}

func (c *imapConn) Delete(index int) error {
	if index <= 0 {
		return fmt.Errorf("invalid message number %d", index)
	}
	if err := c.selectInbox(); err != nil {
		return err
	}

	err := c.client.Store(imap.SeqSetNum(uint32(index)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}, nil).Close()
	if err != nil {
		return fmt.Errorf("store deleted flag: %w", err)
	}

	c.deleted = true
	return nil
}

// Logout expunges messages marked by Delete, then logs out.
func (c *imapConn) Logout() error {
	if c.deleted {
		if err := c.client.Expunge().Close(); err != nil {
			return fmt.Errorf("expunge: %w", err)
		}
		c.deleted = false
	}

	if err := c.client.Logout().Wait(); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func (c *imapConn) Close() error {
	_ = c.client.Close()
	return c.raw.Close()
}
