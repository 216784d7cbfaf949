package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/imap-fleet/internal/types"
)

type fakePool struct{}

func (fakePool) Utilization() map[string][2]int { return map[string][2]int{"gmail.com": {2, 75}} }
func (fakePool) ActiveSessionCount() int         { return 2 }

type fakeSchedule struct {
	entries []types.ScheduleEntry
}

func (f fakeSchedule) Snapshot() []types.ScheduleEntry { return f.entries }

type fakeFleet struct{}

func (fakeFleet) Completed() int64 { return 10 }
func (fakeFleet) Failed() int64    { return 1 }
func (fakeFleet) QueueDepth() int  { return 3 }

type fakeMessages struct{}

func (fakeMessages) AggregateMessageCounts() (int64, int64, error) { return 42, 2, nil }

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestHandleHealthReturns200WhenAllDependenciesOK(t *testing.T) {
	s := New(fakePool{}, fakeSchedule{}, fakeFleet{}, fakeMessages{}, []Dependency{
		{Name: "status_store", OK: func() bool { return true }},
	}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp, err := s.app.Test(req, int(5*time.Second/time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleHealthReturns503WhenAllDependenciesFail(t *testing.T) {
	s := New(fakePool{}, fakeSchedule{}, fakeFleet{}, fakeMessages{}, []Dependency{
		{Name: "status_store", OK: func() bool { return false }},
	}, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp, err := s.app.Test(req, int(5*time.Second/time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandleMetricsReportsActiveAccounts(t *testing.T) {
	entries := []types.ScheduleEntry{
		{MailboxID: "mb-1", Active: true},
		{MailboxID: "mb-2", Active: false},
	}
	s := New(fakePool{}, fakeSchedule{entries: entries}, fakeFleet{}, fakeMessages{}, nil, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp, err := s.app.Test(req, int(5*time.Second/time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.EqualValues(t, 1, body["accounts_active"])
	assert.EqualValues(t, 42, body["messages_processed"])
	assert.EqualValues(t, 2, body["messages_failed"])
}

func TestHandlePoolReturnsPerHostUtilization(t *testing.T) {
	s := New(fakePool{}, fakeSchedule{}, fakeFleet{}, fakeMessages{}, nil, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/pool", nil)
	resp, err := s.app.Test(req, int(5*time.Second/time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
