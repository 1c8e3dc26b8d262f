package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"querylab/internal/common/storage"

	"github.com/klauspost/compress/zstd"
)

const (
	archiveContentType = "application/zstd"
	maxArchiveBytes    = 16 << 20
)

// ArchivedOutput is the raw shell output kept for audits.
type ArchivedOutput struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
	ExitCode     int    `json:"exit_code"`
	Stdout       string `json:"stdout"`
	Stderr       string `json:"stderr"`
}

// OutputArchive stores zstd-compressed outputs in object storage.
type OutputArchive struct {
	storage storage.ObjectStorage
	bucket  string
	prefix  string

	encOnce sync.Once
	enc     *zstd.Encoder
	encErr  error
}

func NewOutputArchive(store storage.ObjectStorage, bucket, prefix string) *OutputArchive {
	return &OutputArchive{storage: store, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Put uploads out and returns its object key.
func (a *OutputArchive) Put(ctx context.Context, out ArchivedOutput) (string, error) {
	if out.SubmissionID == "" {
		return "", fmt.Errorf("submission id is required")
	}
	enc, err := a.encoder()
	if err != nil {
		return "", fmt.Errorf("create zstd encoder failed: %w", err)
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	compressed := enc.EncodeAll(payload, nil)

	key := a.objectKey(out.SubmissionID)
	if err := a.storage.PutObject(ctx, a.bucket, key, bytes.NewReader(compressed), int64(len(compressed)), archiveContentType); err != nil {
		return "", err
	}
	return key, nil
}

// Get downloads and decompresses an archived output.
func (a *OutputArchive) Get(ctx context.Context, key string) (ArchivedOutput, error) {
	body, err := a.storage.GetObject(ctx, a.bucket, key)
	if err != nil {
		return ArchivedOutput{}, err
	}
	defer body.Close()

	dec, err := zstd.NewReader(body, zstd.WithDecoderMaxMemory(maxArchiveBytes))
	if err != nil {
		return ArchivedOutput{}, fmt.Errorf("create zstd reader failed: %w", err)
	}
	defer dec.Close()

	data, err := io.ReadAll(io.LimitReader(dec, maxArchiveBytes))
	if err != nil {
		return ArchivedOutput{}, fmt.Errorf("read archived output failed: %w", err)
	}
	var out ArchivedOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return ArchivedOutput{}, fmt.Errorf("decode archived output failed: %w", err)
	}
	return out, nil
}

func (a *OutputArchive) objectKey(submissionID string) string {
	shard := submissionID
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return path.Join(a.prefix, shard, submissionID+".json.zst")
}

func (a *OutputArchive) encoder() (*zstd.Encoder, error) {
	a.encOnce.Do(func() {
		a.enc, a.encErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return a.enc, a.encErr
}
