package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qms-lifecycle/qms-lifecycle/internal/config"
	"github.com/qms-lifecycle/qms-lifecycle/internal/db/models"
)

func entryFor(recordID string, seq int64, action string) *models.AuditEntry {
	return &models.AuditEntry{
		ID:       recordID + "-" + action,
		RecordID: recordID,
		Sequence: seq,
		ActorID:  "qa-lead",
		Action:   action,
	}
}

// batchSink is an httptest server collecting posted Batches
type batchSink struct {
	srv     *httptest.Server
	batches chan Batch
	headers chan http.Header
}

func newBatchSink(t *testing.T, status int) *batchSink {
	t.Helper()
	s := &batchSink{batches: make(chan Batch, 16), headers: make(chan http.Header, 16)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b Batch
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.headers <- r.Header.Clone()
		s.batches <- b
		w.WriteHeader(status)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *batchSink) next(t *testing.T) Batch {
	t.Helper()
	select {
	case b := <-s.batches:
		return b
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for audit batch")
		return Batch{}
	}
}

func TestNewMultiShipper(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.AuditConfig
		want    int
		wantErr bool
	}{
		{name: "nothing enabled", cfg: config.AuditConfig{}, want: 0},
		{
			name: "file and webhook",
			cfg: config.AuditConfig{
				File:    config.AuditFileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "audit.log")},
				Webhook: config.AuditWebhookConfig{Enabled: true, URL: "http://127.0.0.1:1"},
			},
			want: 2,
		},
		{
			name:    "webhook without url",
			cfg:     config.AuditConfig{Webhook: config.AuditWebhookConfig{Enabled: true}},
			wantErr: true,
		},
		{
			name:    "unwritable file",
			cfg:     config.AuditConfig{File: config.AuditFileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "missing", "audit.log")}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms, err := NewMultiShipper(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer ms.Close()
			assert.Equal(t, tt.want, ms.Len())
			if tt.want == 0 {
				assert.NoError(t, ms.Ship(context.Background(), entryFor("rec-1", 1, models.AuditActionSigned)))
			}
		})
	}
}

func TestMultiShipper_OneSinkFailingDoesNotStopOthers(t *testing.T) {
	failing := newBatchSink(t, http.StatusInternalServerError)
	healthy := newBatchSink(t, http.StatusOK)

	ms := &MultiShipper{shippers: []Shipper{
		NewWebhookShipper(config.AuditWebhookConfig{URL: failing.srv.URL, Timeout: time.Second}, nil),
		NewWebhookShipper(config.AuditWebhookConfig{URL: healthy.srv.URL, Timeout: time.Second}, nil),
	}}
	defer ms.Close()

	err := ms.Ship(context.Background(), entryFor("rec-1", 4, models.AuditActionStepSubmitted))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")

	b := healthy.next(t)
	require.Len(t, b.Entries, 1)
	assert.Equal(t, int64(4), b.Entries[0].Sequence)
}

func TestWebhookShipper_UnbatchedPostsBatchOfOne(t *testing.T) {
	sink := newBatchSink(t, http.StatusOK)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC))
	ws := NewWebhookShipper(config.AuditWebhookConfig{
		URL:     sink.srv.URL,
		Headers: map[string]string{"X-Auth-Token": "secret"},
	}, clock)
	defer ws.Close()

	require.NoError(t, ws.Ship(context.Background(), entryFor("rec-9", 2, models.AuditActionStateChanged)))

	b := sink.next(t)
	assert.Equal(t, 1, b.Count)
	assert.True(t, b.SentAt.Equal(clock.Now()))
	assert.Equal(t, "rec-9", b.Entries[0].RecordID)

	h := <-sink.headers
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, "secret", h.Get("X-Auth-Token"))
	assert.Equal(t, "1", h.Get("X-QMS-Audit-Count"))
}

func TestWebhookShipper_ErrorStatus(t *testing.T) {
	sink := newBatchSink(t, http.StatusBadGateway)
	ws := NewWebhookShipper(config.AuditWebhookConfig{URL: sink.srv.URL}, nil)
	defer ws.Close()

	assert.Error(t, ws.Ship(context.Background(), entryFor("rec-1", 1, models.AuditActionDenied)))
}

func TestWebhookShipper_FullBatchIsOrderedPerRecord(t *testing.T) {
	sink := newBatchSink(t, http.StatusOK)
	ws := NewWebhookShipper(config.AuditWebhookConfig{
		URL:           sink.srv.URL,
		BatchSize:     4,
		FlushInterval: time.Hour,
	}, clockwork.NewFakeClock())
	defer ws.Close()

	ctx := context.Background()
	for _, e := range []*models.AuditEntry{
		entryFor("rec-b", 2, models.AuditActionStepSubmitted),
		entryFor("rec-a", 3, models.AuditActionStateChanged),
		entryFor("rec-b", 1, models.AuditActionWorkflowStarted),
		entryFor("rec-a", 2, models.AuditActionStepSubmitted),
	} {
		require.NoError(t, ws.Ship(ctx, e))
	}

	b := sink.next(t)
	require.Equal(t, 4, b.Count)
	var got []string
	for _, e := range b.Entries {
		got = append(got, e.RecordID+"#"+strconv.FormatInt(e.Sequence, 10))
	}
	assert.Equal(t, []string{"rec-a#2", "rec-a#3", "rec-b#1", "rec-b#2"}, got)
}

func TestWebhookShipper_FlushesOnInterval(t *testing.T) {
	sink := newBatchSink(t, http.StatusOK)
	clock := clockwork.NewFakeClock()
	ws := NewWebhookShipper(config.AuditWebhookConfig{
		URL:           sink.srv.URL,
		BatchSize:     100,
		FlushInterval: time.Minute,
	}, clock)
	defer ws.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	require.NoError(t, ws.Ship(context.Background(), entryFor("rec-1", 1, models.AuditActionEscalated)))

	require.Eventually(t, func() bool {
		clock.Advance(time.Minute)
		select {
		case b := <-sink.batches:
			return b.Count == 1
		default:
			return false
		}
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWebhookShipper_CloseFlushesQueue(t *testing.T) {
	sink := newBatchSink(t, http.StatusOK)
	ws := NewWebhookShipper(config.AuditWebhookConfig{
		URL:           sink.srv.URL,
		BatchSize:     100,
		FlushInterval: time.Hour,
	}, clockwork.NewFakeClock())

	require.NoError(t, ws.Ship(context.Background(), entryFor("rec-1", 1, models.AuditActionWorkflowWithdrawn)))
	require.NoError(t, ws.Close())
	assert.NoError(t, ws.Close())

	assert.Equal(t, 1, sink.next(t).Count)
}

func TestFileShipper_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	fs, err := NewFileShipper(path)
	require.NoError(t, err)
	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, fs.Ship(context.Background(), entryFor("rec-1", seq, models.AuditActionStateChanged)))
	}
	require.NoError(t, fs.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var seqs []int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e models.AuditEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		seqs = append(seqs, e.Sequence)
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)
}
