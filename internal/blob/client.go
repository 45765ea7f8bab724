package blob

import (
	"context"
	"io"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of *s3.Client the shovel talks to
type S3API interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// ===================================================================================================

type PutObjectParams struct {
	Key      string
	Size     int64
	Body     io.ReadSeeker
	Callback ProgressCallback
}

type PutObjectResponse struct {
	Key     string
	Version string
	ETag    string
	Size    int64
}

// ===================================================================================================

type UploadPartParams struct {
	Key        string
	UploadID   string
	PartNumber int
	Size       int64
	Body       io.ReadSeeker
	Callback   ProgressCallback
}

type CompletedPart struct {
	PartNumber int
	ETag       string
}

type CompleteMultipartUploadParams struct {
	Key      string
	UploadID string
	Parts    []CompletedPart
}
