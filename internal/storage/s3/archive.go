package s3

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"sync/atomic"

	"storewatch/internal/alertstore"
)

// ArchiverConfig configures the alert archiver.
type ArchiverConfig struct {
	// Compress gzips archived records.
	Compress bool `yaml:"compress"`
	// PathTemplate supports {store}, {date} and {alert}.
	PathTemplate string `yaml:"path_template"`
}

// DefaultArchiverConfig returns default archiver configuration.
func DefaultArchiverConfig() ArchiverConfig {
	return ArchiverConfig{
		Compress:     true,
		PathTemplate: "alerts/{store}/{date}/{alert}.json",
	}
}

// Archiver writes each closed alert with its acknowledgments and escalation
// executions as one JSON object.
type Archiver struct {
	client *Client
	config ArchiverConfig
	logger *slog.Logger

	archived atomic.Int64
	failed   atomic.Int64
}

// NewArchiver creates an Archiver.
func NewArchiver(client *Client, cfg ArchiverConfig, logger *slog.Logger) *Archiver {
	if cfg.PathTemplate == "" {
		cfg.PathTemplate = DefaultArchiverConfig().PathTemplate
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{client: client, config: cfg, logger: logger}
}

// Key returns the object key of rec relative to the client prefix.
func (a *Archiver) Key(rec *alertstore.Archive) string {
	key := strings.NewReplacer(
		"{store}", rec.Alert.StoreID,
		"{date}", rec.ArchivedAt.UTC().Format("2006/01/02"),
		"{alert}", rec.Alert.ID,
	).Replace(a.config.PathTemplate)
	key = path.Clean(key)
	if a.config.Compress {
		key += ".gz"
	}
	return key
}

// ArchiveAlert uploads rec.
func (a *Archiver) ArchiveAlert(ctx context.Context, rec *alertstore.Archive) error {
	if rec == nil || rec.Alert == nil {
		return fmt.Errorf("s3: archive record has no alert")
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("s3: failed to marshal archive: %w", err)
	}
	contentType := "application/json"
	if a.config.Compress {
		if data, err = gzipBytes(data); err != nil {
			return fmt.Errorf("s3: failed to compress archive: %w", err)
		}
		contentType = "application/gzip"
	}

	key := a.Key(rec)
	err = a.client.Put(ctx, key, data, contentType, map[string]string{
		"alert-id": rec.Alert.ID,
		"store-id": rec.Alert.StoreID,
		"status":   string(rec.Alert.Status),
	})
	if err != nil {
		a.failed.Add(1)
		return err
	}
	a.archived.Add(1)
	a.logger.Debug("alert archived", "alert_id", rec.Alert.ID, "key", key)
	return nil
}

// Restore reads an archived record back.
func (a *Archiver) Restore(ctx context.Context, key string) (*alertstore.Archive, error) {
	data, err := a.client.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(key, ".gz") {
		if data, err = gunzipBytes(data); err != nil {
			return nil, fmt.Errorf("s3: failed to decompress %s: %w", key, err)
		}
	}
	var rec alertstore.Archive
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("s3: failed to decode %s: %w", key, err)
	}
	return &rec, nil
}

// ListStore returns the archive keys of one store.
func (a *Archiver) ListStore(ctx context.Context, storeID string) ([]string, error) {
	prefix, _, _ := strings.Cut(a.config.PathTemplate, "{store}")
	return a.client.List(ctx, prefix+storeID+"/")
}

// ArchiverMetrics holds archiver counters.
type ArchiverMetrics struct {
	Archived int64 `json:"archived"`
	Failed   int64 `json:"failed"`
}

// Metrics returns archiver counters.
func (a *Archiver) Metrics() ArchiverMetrics {
	return ArchiverMetrics{Archived: a.archived.Load(), Failed: a.failed.Load()}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
