package mailbox

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"errors"

	"github.com/emersion/go-sasl"
)

// CRAMMD5 is the SASL mechanism name of RFC 2195 challenge-response authentication.
const CRAMMD5 = "CRAM-MD5"

type cramMD5Client struct {
	username string
	password string
	answered bool
}

// NewCRAMMD5Client returns SASL client answering server challenge with
// HMAC-MD5 keyed by password.
func NewCRAMMD5Client(username, password string) sasl.Client {
	return &cramMD5Client{username: username, password: password}
}

func (c *cramMD5Client) Start() (string, []byte, error) {
	return CRAMMD5, nil, nil
}

func (c *cramMD5Client) Next(challenge []byte) ([]byte, error) {
	if c.answered {
		return nil, errors.New("cram-md5: unexpected server challenge")
	}
	if len(challenge) == 0 {
		return nil, errors.New("cram-md5: empty server challenge")
	}
	c.answered = true

	return []byte(c.username + " " + cramDigest(challenge, c.password)), nil
}

func cramDigest(challenge []byte, password string) string {
	mac := hmac.New(md5.New, []byte(password))
	mac.Write(challenge)
	return hex.EncodeToString(mac.Sum(nil))
}
