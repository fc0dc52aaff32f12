package mailbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIMAPRejectsInvalidMessageNumber(t *testing.T) {
	c := &imapConn{}

	for _, index := range []int{0, -1, -1 << 40} {
		_, err := c.Retrieve(index)
		assert.ErrorContains(t, err, "invalid message number")

		err = c.Delete(index)
		assert.ErrorContains(t, err, "invalid message number")
		assert.False(t, c.deleted)
	}
}
