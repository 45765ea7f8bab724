package shovel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/openmined/shovel/internal/blob"
	"github.com/openmined/shovel/internal/config"
	"golang.org/x/sync/errgroup"
)

const maxMultipartParts = 10000

// ObjectStore is the remote side of an upload. *blob.BlobClient implements it.
type ObjectStore interface {
	CheckBucket(ctx context.Context) error
	PutObject(ctx context.Context, params *blob.PutObjectParams) (*blob.PutObjectResponse, error)
	CreateMultipartUpload(ctx context.Context, key string) (string, error)
	UploadPart(ctx context.Context, params *blob.UploadPartParams) (*blob.CompletedPart, error)
	CompleteMultipartUpload(ctx context.Context, params *blob.CompleteMultipartUploadParams) (*blob.PutObjectResponse, error)
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
}

var _ ObjectStore = (*blob.BlobClient)(nil)

// Uploaded describes a completed transfer
type Uploaded struct {
	Key      string
	ETag     string
	Strategy Strategy
	Parts    int
}

// UploadResult pairs a unit with its outcome. Err is a *FileFailure of kind TransferFailure.
type UploadResult struct {
	Unit     UploadUnit
	Uploaded *Uploaded
	Err      error
}

// UploadEngine transfers stable files. Files up to the threshold go up in one
// request, larger ones as a multipart upload whose parts are sent in order. The
// engine never retries; a failed file is still stable on the next run and is
// attempted again then.
type UploadEngine struct {
	store     ObjectStore
	threshold uint64
	partSize  uint64
	keyPrefix string
	workers   int

	mu sync.Mutex
}

func NewUploadEngine(store ObjectStore, cfg *config.UploadConfig) *UploadEngine {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	return &UploadEngine{
		store:     store,
		threshold: cfg.MultipartThreshold,
		partSize:  cfg.PartSize,
		keyPrefix: cfg.KeyPrefix,
		workers:   workers,
	}
}

// CheckStore probes the bucket before any transfer is attempted
func (e *UploadEngine) CheckStore(ctx context.Context) error {
	return e.store.CheckBucket(ctx)
}

func (e *UploadEngine) Strategy(size uint64) Strategy {
	if size <= e.threshold {
		return StrategySingle
	}
	return StrategyChunked
}

// Key maps a relative path to its remote key, mirroring the source layout
func (e *UploadEngine) Key(relPath string) string {
	if e.keyPrefix == "" {
		return relPath
	}
	return path.Join(e.keyPrefix, relPath)
}

// PartSize returns the part size used for a file of the given size. It grows
// beyond the configured size when the file would otherwise need more parts than S3 allows.
func (e *UploadEngine) PartSize(size uint64) uint64 {
	partSize := e.partSize
	if partSize == 0 {
		partSize = config.DefaultPartSize
	}
	if (size+partSize-1)/partSize > maxMultipartParts {
		partSize = (size + maxMultipartParts - 1) / maxMultipartParts
	}
	return partSize
}

// Upload transfers a single unit. A unit whose context is already done is
// failed without touching the store.
func (e *UploadEngine) Upload(ctx context.Context, unit UploadUnit) (*Uploaded, error) {
	if err := ctx.Err(); err != nil {
		return nil, &FileFailure{Path: unit.RelPath, Kind: TransferFailure, Err: err}
	}

	file, err := os.Open(unit.AbsPath)
	if err != nil {
		return nil, e.failure(unit, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, e.failure(unit, err)
	}
	if uint64(info.Size()) != unit.Size {
		return nil, e.failure(unit, fmt.Errorf("%w: listed %d, now %d", ErrSizeChanged, unit.Size, info.Size()))
	}

	key := e.Key(unit.RelPath)
	strategy := e.Strategy(unit.Size)
	slog.Info("upload", "op", strategy, "path", unit.RelPath, "key", key, "size", humanize.Bytes(unit.Size))

	var uploaded *Uploaded
	switch strategy {
	case StrategySingle:
		uploaded, err = e.uploadSingle(ctx, file, unit, key)
	default:
		uploaded, err = e.uploadChunked(ctx, file, unit, key)
	}
	if err != nil {
		return nil, e.failure(unit, err)
	}
	return uploaded, nil
}

// UploadAll uploads units with at most the configured number of concurrent
// files. after is called once per unit as it finishes, serialized by the
// engine. Results keep the order of units. Cancelling ctx stops the units that
// have not started yet.
func (e *UploadEngine) UploadAll(ctx context.Context, units []UploadUnit, after func(UploadResult)) []UploadResult {
	results := make([]UploadResult, len(units))

	eg := &errgroup.Group{}
	eg.SetLimit(e.workers)
	for i, unit := range units {
		eg.Go(func() error {
			uploaded, err := e.Upload(ctx, unit)
			res := UploadResult{Unit: unit, Uploaded: uploaded, Err: err}

			e.mu.Lock()
			results[i] = res
			if after != nil {
				after(res)
			}
			e.mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	return results
}

func (e *UploadEngine) uploadSingle(ctx context.Context, file *os.File, unit UploadUnit, key string) (*Uploaded, error) {
	size := int64(unit.Size)
	resp, err := e.store.PutObject(ctx, &blob.PutObjectParams{
		Key:      key,
		Size:     size,
		Body:     io.NewSectionReader(file, 0, size),
		Callback: progressLogger(unit.RelPath, 0),
	})
	if err != nil {
		return nil, err
	}
	return &Uploaded{Key: key, ETag: resp.ETag, Strategy: StrategySingle, Parts: 1}, nil
}

func (e *UploadEngine) uploadChunked(ctx context.Context, file *os.File, unit UploadUnit, key string) (*Uploaded, error) {
	uploadID, err := e.store.CreateMultipartUpload(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("create multipart upload: %w", err)
	}

	parts, err := e.uploadParts(ctx, file, unit, key, uploadID)
	if err == nil {
		var resp *blob.PutObjectResponse
		resp, err = e.store.CompleteMultipartUpload(ctx, &blob.CompleteMultipartUploadParams{
			Key:      key,
			UploadID: uploadID,
			Parts:    parts,
		})
		if err == nil {
			return &Uploaded{Key: key, ETag: resp.ETag, Strategy: StrategyChunked, Parts: len(parts)}, nil
		}
		err = fmt.Errorf("complete multipart upload: %w", err)
	}

	// incomplete uploads are billed until aborted
	if abortErr := e.store.AbortMultipartUpload(context.WithoutCancel(ctx), key, uploadID); abortErr != nil {
		slog.Warn("abort multipart upload", "path", unit.RelPath, "uploadId", uploadID, "error", abortErr)
	}
	return nil, err
}

func (e *UploadEngine) uploadParts(ctx context.Context, file *os.File, unit UploadUnit, key, uploadID string) ([]blob.CompletedPart, error) {
	partSize := e.PartSize(unit.Size)
	parts := make([]blob.CompletedPart, 0, (unit.Size+partSize-1)/partSize)

	var offset uint64
	for partNumber := 1; offset < unit.Size; partNumber++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chunk := min(partSize, unit.Size-offset)
		slog.Debug("upload part", "path", unit.RelPath, "part", partNumber, "offset", offset, "size", humanize.Bytes(chunk))

		part, err := e.store.UploadPart(ctx, &blob.UploadPartParams{
			Key:        key,
			UploadID:   uploadID,
			PartNumber: partNumber,
			Size:       int64(chunk),
			Body:       io.NewSectionReader(file, int64(offset), int64(chunk)),
			Callback:   progressLogger(unit.RelPath, partNumber),
		})
		if err != nil {
			return nil, fmt.Errorf("upload part %d: %w", partNumber, err)
		}

		parts = append(parts, *part)
		offset += chunk
	}

	return parts, nil
}

func (e *UploadEngine) failure(unit UploadUnit, err error) error {
	slog.Error("upload", "path", unit.RelPath, "code", blob.ErrorCode(err), "error", err)
	return &FileFailure{Path: unit.RelPath, Kind: TransferFailure, Err: err}
}

func progressLogger(relPath string, part int) blob.ProgressCallback {
	return func(uploaded, total int64) {
		slog.Debug("upload progress", "path", relPath, "part", part,
			"sent", humanize.Bytes(uint64(uploaded)), "total", humanize.Bytes(uint64(total)))
	}
}
