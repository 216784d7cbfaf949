package imapsession

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseReferencesHeaderSplitsMessageIDs(t *testing.T) {
	raw := []byte("From: a@example.com\r\n" +
		"To: b@example.com\r\n" +
		"Subject: re: thread\r\n" +
		"References: <id1@example.com> <id2@example.com>\r\n" +
		"\r\n" +
		"body\r\n")

	assert.Equal(t, []string{"<id1@example.com>", "<id2@example.com>"}, parseReferencesHeader(raw))
}

func TestParseReferencesHeaderReturnsNilWhenAbsent(t *testing.T) {
	raw := []byte("From: a@example.com\r\n\r\nbody\r\n")
	assert.Nil(t, parseReferencesHeader(raw))
}

func TestToFetchedMessagePopulatesReferencesOnlyMessage(t *testing.T) {
	raw := []byte("From: a@example.com\r\n" +
		"To: b@example.com\r\n" +
		"Subject: re: thread\r\n" +
		"References: <id1@example.com>\r\n" +
		"\r\n" +
		"body\r\n")

	fm := FetchedMessage{Raw: raw}
	fm.References = parseReferencesHeader(fm.Raw)

	assert.Empty(t, fm.InReplyTo)
	assert.Equal(t, []string{"<id1@example.com>"}, fm.References)
}
