// Package blobtest provides an in-memory S3 double for exercising upload code
// without a network.
package blobtest

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/openmined/shovel/internal/blob"
)

type Object struct {
	Data       []byte
	Encryption types.ServerSideEncryption
	ACL        types.ObjectCannedACL
	Multipart  bool
	PartCount  int
}

type multipartUpload struct {
	key        string
	encryption types.ServerSideEncryption
	acl        types.ObjectCannedACL
	parts      map[int32][]byte
}

// FakeS3 implements blob.S3API. Fail* fields inject errors.
type FakeS3 struct {
	mu      sync.Mutex
	objects map[string]*Object
	uploads map[string]*multipartUpload
	aborted []string

	HeadBucketErr error
	FailPutKeys   map[string]error
	// FailPart fails UploadPart for the given part number on any key
	FailPart    int32
	FailPartErr error
	CompleteErr error

	PutCalls    int
	PartCalls   int
	CreateCalls int
}

var _ blob.S3API = (*FakeS3)(nil)

func NewFakeS3() *FakeS3 {
	return &FakeS3{
		objects:     make(map[string]*Object),
		uploads:     make(map[string]*multipartUpload),
		FailPutKeys: make(map[string]error),
	}
}

func (f *FakeS3) Object(key string) (*Object, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	return obj, ok
}

func (f *FakeS3) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f *FakeS3) Aborted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.aborted...)
}

func (f *FakeS3) OpenUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func (f *FakeS3) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.HeadBucketErr != nil {
		return nil, f.HeadBucketErr
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *FakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := aws.ToString(params.Key)

	f.mu.Lock()
	f.PutCalls++
	failErr := f.FailPutKeys[key]
	f.mu.Unlock()
	if failErr != nil {
		return nil, failErr
	}

	data, err := readBody(params.Body, params.ContentLength)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = &Object{
		Data:       data,
		Encryption: params.ServerSideEncryption,
		ACL:        params.ACL,
	}
	return &s3.PutObjectOutput{ETag: aws.String(etag(data))}, nil
}

func (f *FakeS3) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++

	id := uuid.NewString()
	f.uploads[id] = &multipartUpload{
		key:        aws.ToString(params.Key),
		encryption: params.ServerSideEncryption,
		acl:        params.ACL,
		parts:      make(map[int32][]byte),
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *FakeS3) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	partNumber := aws.ToInt32(params.PartNumber)

	f.mu.Lock()
	f.PartCalls++
	failPart, failErr := f.FailPart, f.FailPartErr
	f.mu.Unlock()
	if failPart != 0 && partNumber == failPart {
		if failErr == nil {
			failErr = fmt.Errorf("injected failure on part %d", partNumber)
		}
		return nil, failErr
	}

	data, err := readBody(params.Body, params.ContentLength)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	upload, ok := f.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, fmt.Errorf("no such upload %q", aws.ToString(params.UploadId))
	}
	upload.parts[partNumber] = data
	return &s3.UploadPartOutput{ETag: aws.String(etag(data))}, nil
}

func (f *FakeS3) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	if f.CompleteErr != nil {
		return nil, f.CompleteErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(params.UploadId)
	upload, ok := f.uploads[id]
	if !ok {
		return nil, fmt.Errorf("no such upload %q", id)
	}

	var buf bytes.Buffer
	var prev int32
	for _, part := range params.MultipartUpload.Parts {
		n := aws.ToInt32(part.PartNumber)
		if n <= prev {
			return nil, fmt.Errorf("parts out of order: %d after %d", n, prev)
		}
		prev = n
		data, ok := upload.parts[n]
		if !ok {
			return nil, fmt.Errorf("missing part %d", n)
		}
		if aws.ToString(part.ETag) != etag(data) {
			return nil, fmt.Errorf("etag mismatch for part %d", n)
		}
		buf.Write(data)
	}

	f.objects[upload.key] = &Object{
		Data:       buf.Bytes(),
		Encryption: upload.encryption,
		ACL:        upload.acl,
		Multipart:  true,
		PartCount:  len(params.MultipartUpload.Parts),
	}
	delete(f.uploads, id)
	return &s3.CompleteMultipartUploadOutput{ETag: aws.String(etag(buf.Bytes()))}, nil
}

func (f *FakeS3) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(params.UploadId)
	delete(f.uploads, id)
	f.aborted = append(f.aborted, aws.ToString(params.Key))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func readBody(body io.Reader, contentLength *int64) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if contentLength != nil && int64(len(data)) != *contentLength {
		return nil, fmt.Errorf("body length %d does not match content length %d", len(data), *contentLength)
	}
	return data, nil
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return "\"" + hex.EncodeToString(sum[:]) + "\""
}
