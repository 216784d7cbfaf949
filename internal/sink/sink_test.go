package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgtypes "github.com/brandon/imap-fleet/pkg/types"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestSubmitPostsBatchWithDedupeAndGroupKeys(t *testing.T) {
	var received batchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(srv.URL, testLogger())
	envelopes := []pkgtypes.Envelope{
		{MailboxID: "mb-1", OriginalMessageID: "<a@x>", InternalID: "mb-1_123", IsReply: false, Body: "hi"},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Submit(ctx, "mb-1", envelopes))

	require.Len(t, received.Messages, 1)
	assert.Equal(t, "mb-1", received.Messages[0].GroupKey)
	assert.Contains(t, received.Messages[0].DedupeKey, "mb-1_")
	assert.Equal(t, "mb-1", received.Messages[0].Attributes.MailboxID)
}

func TestSubmitPopulatesMessageTypeAndTextAndTimestampAttributes(t *testing.T) {
	var received batchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(srv.URL, testLogger())
	receivedAt := time.Now().Add(-time.Minute).Truncate(time.Second)
	envelopes := []pkgtypes.Envelope{
		{MailboxID: "mb-1", OriginalMessageID: "<a@x>", InternalID: "mb-1_123", Body: "hi", ReceivedAt: receivedAt},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Submit(ctx, "mb-1", envelopes))

	require.Len(t, received.Messages, 1)
	attrs := received.Messages[0].Attributes
	assert.Equal(t, "email", attrs.MessageType)
	assert.True(t, attrs.HasTextContent)
	assert.True(t, receivedAt.Equal(attrs.Timestamp))
}

func TestSubmitRejectsOversizedBatch(t *testing.T) {
	s := New("http://example.invalid", testLogger())
	envelopes := make([]pkgtypes.Envelope, maxBatchSize+1)
	err := s.Submit(context.Background(), "mb-1", envelopes)
	assert.Error(t, err)
}

func TestSubmitReturnsErrorOnNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := New(srv.URL, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Submit(ctx, "mb-1", []pkgtypes.Envelope{{MailboxID: "mb-1"}})
	assert.Error(t, err)
}

func TestSubmitNoopsOnEmptyBatch(t *testing.T) {
	s := New("http://example.invalid", testLogger())
	assert.NoError(t, s.Submit(context.Background(), "mb-1", nil))
}
