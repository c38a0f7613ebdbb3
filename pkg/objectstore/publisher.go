// Package objectstore publishes sealed-batch artifacts to Google Cloud
// Storage under the deterministic key layout required for the read side
// to treat batch-data.json's presence as the commit marker.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"cloud.google.com/go/storage"

	"github.com/anchorline/cdc-agent/pkg/artifact"
	"github.com/anchorline/cdc-agent/pkg/batch"
)

// ErrUploadFailed wraps any error during artifact upload, after best-effort
// cleanup of whatever this publisher already wrote for the batch.
var ErrUploadFailed = errors.New("object store upload failed")

// Config configures the target bucket and per-call timeout.
type Config struct {
	Bucket         string
	Region         string // used only when the bucket must be created
	UploadTimeout  time.Duration
}

// DefaultConfig matches the SDK's own conservative ceiling (§5).
func DefaultConfig() Config {
	return Config{UploadTimeout: 30 * time.Second}
}

// Publisher uploads artifact bundles to a GCS bucket, creating it on first
// use if absent.
type Publisher struct {
	client        *storage.Client
	cfg           Config
	logger        *log.Logger
	bucketChecked bool
}

// NewPublisher wraps an already-authenticated GCS client.
func NewPublisher(client *storage.Client, cfg Config, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.New(log.Writer(), "[objectstore] ", log.LstdFlags)
	}
	return &Publisher{client: client, cfg: cfg, logger: logger}
}

// BucketName returns the bucket this publisher writes to, for callers
// (the anchor minter) that need to reference the same object the
// publisher just wrote.
func (p *Publisher) BucketName() string {
	return p.cfg.Bucket
}

// Keys returns the deterministic key layout for one batch under its
// canonical table prefix (the first table name in sorted order).
func Keys(b *batch.Batch) (prefix string, batchData, merkleTree, byTS, byOp, byDate string) {
	tables := append([]string(nil), b.TableNames...)
	sort.Strings(tables)
	canonicalTable := tables[0]
	prefix = fmt.Sprintf("%s/%s/%s", b.DatabaseName, canonicalTable, b.ID)
	return prefix,
		prefix + "/batch-data.json",
		prefix + "/merkle-tree.json",
		prefix + "/indices/by_timestamp.json",
		prefix + "/indices/by_operation.json",
		prefix + "/indices/by_date.json"
}

// Publish uploads the four supporting documents first, then batch-data.json
// last (§4.7's commit-marker ordering). On any failure it attempts to
// delete whatever it already wrote for this batch before returning
// ErrUploadFailed.
func (p *Publisher) Publish(ctx context.Context, b *batch.Batch, bundle artifact.Bundle) error {
	if err := p.ensureBucket(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	_, batchDataKey, treeKey, byTSKey, byOpKey, byDateKey := Keys(b)

	written := make([]string, 0, 5)
	upload := func(key string, v interface{}) error {
		data, err := artifact.MarshalStable(v)
		if err != nil {
			return err
		}
		if err := p.put(ctx, key, data); err != nil {
			return err
		}
		written = append(written, key)
		return nil
	}

	if err := upload(treeKey, bundle.Tree); err != nil {
		p.cleanup(ctx, written)
		return fmt.Errorf("%w: merkle-tree.json: %v", ErrUploadFailed, err)
	}
	if err := upload(byTSKey, bundle.ByTimestamp); err != nil {
		p.cleanup(ctx, written)
		return fmt.Errorf("%w: by_timestamp.json: %v", ErrUploadFailed, err)
	}
	if err := upload(byOpKey, bundle.ByOperation); err != nil {
		p.cleanup(ctx, written)
		return fmt.Errorf("%w: by_operation.json: %v", ErrUploadFailed, err)
	}
	if err := upload(byDateKey, bundle.ByDate); err != nil {
		p.cleanup(ctx, written)
		return fmt.Errorf("%w: by_date.json: %v", ErrUploadFailed, err)
	}

	// batch-data.json is the commit marker: uploaded only after every
	// supporting document has succeeded.
	if err := upload(batchDataKey, bundle.BatchBody); err != nil {
		p.cleanup(ctx, written)
		return fmt.Errorf("%w: batch-data.json: %v", ErrUploadFailed, err)
	}

	return nil
}

func (p *Publisher) put(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.UploadTimeout)
	defer cancel()

	w := p.client.Bucket(p.cfg.Bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// cleanup best-effort deletes every object this Publish call already wrote,
// per §4.7 and §7's ObjectStoreUploadFailed disposition. Deletion failures
// are logged, not escalated — the caller already has a failure to report.
func (p *Publisher) cleanup(ctx context.Context, keys []string) {
	for _, key := range keys {
		delCtx, cancel := context.WithTimeout(ctx, p.cfg.UploadTimeout)
		if err := p.client.Bucket(p.cfg.Bucket).Object(key).Delete(delCtx); err != nil {
			p.logger.Printf("cleanup: failed to delete %s: %v", key, err)
		}
		cancel()
	}
}

func (p *Publisher) ensureBucket(ctx context.Context) error {
	if p.bucketChecked {
		return nil
	}
	bucket := p.client.Bucket(p.cfg.Bucket)
	_, err := bucket.Attrs(ctx)
	if err == nil {
		p.bucketChecked = true
		return nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return err
	}
	if err := bucket.Create(ctx, "", &storage.BucketAttrs{Location: p.cfg.Region}); err != nil {
		return err
	}
	p.bucketChecked = true
	return nil
}

// Exists reports whether batch-data.json for b is present, used by
// operational tooling (not invoked on the core commit path).
func (p *Publisher) Exists(ctx context.Context, b *batch.Batch) (bool, error) {
	_, batchDataKey, _, _, _, _ := Keys(b)
	_, err := p.client.Bucket(p.cfg.Bucket).Object(batchDataKey).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
