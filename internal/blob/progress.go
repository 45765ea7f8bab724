package blob

import (
	"io"
	"time"
)

// ProgressCallback receives the bytes sent so far out of total
type ProgressCallback func(uploaded int64, total int64)

const progressInterval = 500 * time.Millisecond

// progressReader wraps a request body and reports how much of it has been read.
// It stays seekable so the SDK can rewind the body for signing and retries; a
// rewind resets the counter to the new offset.
type progressReader struct {
	reader           io.ReadSeeker
	bytesRead        int64
	totalSize        int64
	callback         ProgressCallback
	lastCallbackTime time.Time
}

func newProgressReader(r io.ReadSeeker, total int64, cb ProgressCallback) io.ReadSeeker {
	if cb == nil {
		return r
	}
	return &progressReader{reader: r, totalSize: total, callback: cb}
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.bytesRead += int64(n)
	}

	now := time.Now()
	if now.Sub(pr.lastCallbackTime) > progressInterval || err == io.EOF {
		pr.callback(pr.bytesRead, pr.totalSize)
		pr.lastCallbackTime = now
	}

	return n, err
}

func (pr *progressReader) Seek(offset int64, whence int) (int64, error) {
	pos, err := pr.reader.Seek(offset, whence)
	if err == nil {
		pr.bytesRead = pos
	}
	return pos, err
}
