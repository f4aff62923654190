// shipper.go routes appended chain entries to external destinations. The
// database chain is the authoritative record; shipping exists because audit
// consumers (SIEMs, log aggregators, compliance archives) often want a live
// feed on their own retention schedule, independent of the console's
// database. Shipping is best-effort and asynchronous — a destination outage
// never blocks or fails an append.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/admin-console/admin-console/internal/ledger"
	"github.com/admin-console/admin-console/internal/telemetry"
)

// shipTimeout bounds a single asynchronous ship.
const shipTimeout = 10 * time.Second

// Shipper delivers chain entries to a destination.
type Shipper interface {
	// Ship sends one entry to the destination.
	Ship(ctx context.Context, entry *ledger.Entry) error
	// Close releases destination resources.
	Close() error
}

// ShipperConfig selects and configures one destination.
type ShipperConfig struct {
	Enabled bool           `mapstructure:"enabled"`
	Type    string         `mapstructure:"type"` // "file" or "webhook"
	File    *FileConfig    `mapstructure:"file"`
	Webhook *WebhookConfig `mapstructure:"webhook"`
}

// FileConfig configures the append-only JSONL file destination.
type FileConfig struct {
	Path string `mapstructure:"path"`
}

// WebhookConfig configures the HTTP destination.
type WebhookConfig struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

// MultiShipper fans one entry out to every configured destination.
type MultiShipper struct {
	mu       sync.RWMutex
	shippers []namedShipper
}

// namedShipper pairs a destination with its type name for failure metrics.
type namedShipper struct {
	name string
	Shipper
}

// NewMultiShipper builds a shipper per enabled config entry.
func NewMultiShipper(configs []ShipperConfig) (*MultiShipper, error) {
	ms := &MultiShipper{}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		var (
			shipper Shipper
			err     error
		)
		switch cfg.Type {
		case "file":
			if cfg.File == nil {
				return nil, fmt.Errorf("audit: file config is required for file shipper")
			}
			shipper, err = NewFileShipper(cfg.File)
		case "webhook":
			if cfg.Webhook == nil {
				return nil, fmt.Errorf("audit: webhook config is required for webhook shipper")
			}
			shipper, err = NewWebhookShipper(cfg.Webhook)
		default:
			return nil, fmt.Errorf("audit: unknown shipper type: %s", cfg.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("audit: create %s shipper: %w", cfg.Type, err)
		}
		ms.shippers = append(ms.shippers, namedShipper{name: cfg.Type, Shipper: shipper})
	}

	return ms, nil
}

// Ship sends the entry to all destinations. One failing destination does not
// prevent delivery to the others; the last error is returned.
func (ms *MultiShipper) Ship(ctx context.Context, entry *ledger.Entry) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var lastErr error
	for _, s := range ms.shippers {
		if err := s.Ship(ctx, entry); err != nil {
			lastErr = err
			telemetry.ShipperFailuresTotal.WithLabelValues(s.name).Inc()
			slog.Warn("audit shipper error", "shipper", s.name, "error", err)
		}
	}
	return lastErr
}

// Close closes all destinations.
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var lastErr error
	for _, s := range ms.shippers {
		if err := s.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// WebhookShipper POSTs each entry as JSON to a configured URL.
type WebhookShipper struct {
	cfg    *WebhookConfig
	client *http.Client
}

// NewWebhookShipper creates a webhook destination.
func NewWebhookShipper(cfg *WebhookConfig) (*WebhookShipper, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = shipTimeout
	}
	return &WebhookShipper{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Ship delivers one entry to the webhook.
func (ws *WebhookShipper) Ship(ctx context.Context, entry *ledger.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("audit: create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("audit: send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("audit: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Close is a no-op for the webhook shipper.
func (ws *WebhookShipper) Close() error { return nil }

// FileShipper appends entries as JSON lines to a local file. No rotation:
// an audit feed file is expected to be managed by external log rotation, and
// renaming pieces of it from inside the process would fight that.
type FileShipper struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileShipper opens (or creates) the destination file in append mode.
func NewFileShipper(cfg *FileConfig) (*FileShipper, error) {
	file, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open shipping file: %w", err)
	}
	return &FileShipper{file: file}, nil
}

// Ship writes one entry as a JSON line.
func (fs *FileShipper) Ship(ctx context.Context, entry *ledger.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	return nil
}

// Close closes the file.
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
