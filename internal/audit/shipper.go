package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/qms-lifecycle/qms-lifecycle/internal/config"
	"github.com/qms-lifecycle/qms-lifecycle/internal/db/models"
	"github.com/qms-lifecycle/qms-lifecycle/internal/safego"
)

// Shipper delivers committed audit entries to an external sink. Shipping is a
// copy of the trail held by the store; a failed shipment never loses an entry.
type Shipper interface {
	Ship(ctx context.Context, entry *models.AuditEntry) error
	Close() error
}

// MultiShipper fans each entry out to every configured sink. The set of sinks
// is fixed at construction.
type MultiShipper struct {
	shippers []Shipper
}

// NewMultiShipper builds the sinks enabled in cfg. An empty MultiShipper is valid
// and ships nothing.
func NewMultiShipper(cfg config.AuditConfig) (*MultiShipper, error) {
	ms := &MultiShipper{}
	if cfg.File.Enabled {
		fs, err := NewFileShipper(cfg.File.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create file shipper: %w", err)
		}
		ms.shippers = append(ms.shippers, fs)
	}
	if cfg.Webhook.Enabled {
		if cfg.Webhook.URL == "" {
			ms.Close()
			return nil, errors.New("audit.webhook.url is required when the webhook shipper is enabled")
		}
		ms.shippers = append(ms.shippers, NewWebhookShipper(cfg.Webhook, nil))
	}
	return ms, nil
}

// Len returns the number of sinks
func (ms *MultiShipper) Len() int { return len(ms.shippers) }

// Ship offers entry to every sink. One failing sink does not stop the others;
// all failures are joined into the returned error.
func (ms *MultiShipper) Ship(ctx context.Context, entry *models.AuditEntry) error {
	var errs []error
	for _, s := range ms.shippers {
		if err := s.Ship(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink
func (ms *MultiShipper) Close() error {
	var errs []error
	for _, s := range ms.shippers {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Batch is the webhook payload. Entries are ordered by record and then by
// sequence, so a receiver can check each record's trail for gaps.
type Batch struct {
	SentAt  time.Time            `json:"sent_at"`
	Count   int                  `json:"count"`
	Entries []*models.AuditEntry `json:"entries"`
}

func newBatch(entries []*models.AuditEntry, now time.Time) Batch {
	sorted := make([]*models.AuditEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].RecordID != sorted[j].RecordID {
			return sorted[i].RecordID < sorted[j].RecordID
		}
		return sorted[i].Sequence < sorted[j].Sequence
	})
	return Batch{SentAt: now.UTC(), Count: len(sorted), Entries: sorted}
}

// WebhookShipper posts Batches to an HTTP endpoint. With BatchSize > 0 entries
// are queued and flushed when the batch fills or FlushInterval elapses;
// otherwise each entry is posted as a batch of one.
type WebhookShipper struct {
	cfg    config.AuditWebhookConfig
	client *http.Client
	clock  clockwork.Clock

	queue     chan *models.AuditEntry
	pending   []*models.AuditEntry
	closeCh   chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewWebhookShipper creates a webhook shipper and starts its flush loop when
// batching is on. clock may be nil.
func NewWebhookShipper(cfg config.AuditWebhookConfig, clock clockwork.Clock) *WebhookShipper {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	ws := &WebhookShipper{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		clock:   clock,
		queue:   make(chan *models.AuditEntry, 1000),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if cfg.BatchSize > 0 {
		safego.Go("audit-webhook-flusher", ws.flushLoop)
	} else {
		close(ws.doneCh)
	}
	return ws
}

func (ws *WebhookShipper) flushLoop() {
	defer close(ws.doneCh)

	ticker := ws.clock.NewTicker(ws.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-ws.queue:
			ws.pending = append(ws.pending, entry)
			if len(ws.pending) >= ws.cfg.BatchSize {
				ws.flush()
			}
		case <-ticker.Chan():
			ws.flush()
		case <-ws.closeCh:
			ws.drain()
			ws.flush()
			return
		}
	}
}

func (ws *WebhookShipper) drain() {
	for {
		select {
		case entry := <-ws.queue:
			ws.pending = append(ws.pending, entry)
		default:
			return
		}
	}
}

func (ws *WebhookShipper) flush() {
	if len(ws.pending) == 0 {
		return
	}
	batch := newBatch(ws.pending, ws.clock.Now())
	ws.pending = nil

	ctx, cancel := context.WithTimeout(context.Background(), ws.cfg.Timeout)
	defer cancel()
	if err := ws.post(ctx, batch); err != nil {
		slog.Error("failed to ship audit batch", "entries", batch.Count, "error", err)
	}
}

// Ship queues entry when batching. A full queue falls back to a direct post so
// entries are never dropped silently.
func (ws *WebhookShipper) Ship(ctx context.Context, entry *models.AuditEntry) error {
	if ws.cfg.BatchSize > 0 {
		select {
		case ws.queue <- entry:
			return nil
		default:
			slog.Warn("audit webhook queue full; posting directly", "record_id", entry.RecordID)
		}
	}
	return ws.post(ctx, newBatch([]*models.AuditEntry{entry}, ws.clock.Now()))
}

func (ws *WebhookShipper) post(ctx context.Context, batch Batch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal audit batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-QMS-Audit-Count", strconv.Itoa(batch.Count))
	for k, v := range ws.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post audit batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("audit webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close flushes queued entries and stops the flush loop. It is safe to call twice.
func (ws *WebhookShipper) Close() error {
	ws.closeOnce.Do(func() { close(ws.closeCh) })
	<-ws.doneCh
	return nil
}

// FileShipper appends entries to a local file as JSON lines
type FileShipper struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewFileShipper opens path for appending, creating it with owner-only permissions
func NewFileShipper(path string) (*FileShipper, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return &FileShipper{file: file, enc: json.NewEncoder(file)}, nil
}

// Ship writes entry as one line
func (fs *FileShipper) Ship(_ context.Context, entry *models.AuditEntry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.enc.Encode(entry); err != nil {
		return fmt.Errorf("failed to write audit entry %s: %w", entry.ID, err)
	}
	return nil
}

// Close syncs and closes the file
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.file.Sync(); err != nil {
		fs.file.Close()
		return fmt.Errorf("failed to sync audit log file: %w", err)
	}
	return fs.file.Close()
}
