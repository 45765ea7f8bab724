package blob

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Every object written by the shovel is encrypted at rest and owned by the bucket owner.
const (
	objectEncryption = types.ServerSideEncryptionAes256
	objectACL        = types.ObjectCannedACLBucketOwnerFullControl
)

type BlobClient struct {
	api    S3API
	config *S3Config
}

func NewBlobClient(api S3API, cfg *S3Config) *BlobClient {
	return &BlobClient{
		api:    api,
		config: cfg,
	}
}

// NewBlobClientWithS3Config builds an *s3.Client from cfg. Static keys are used when
// present, otherwise the default credential chain resolves them.
func NewBlobClientWithS3Config(ctx context.Context, cfg *S3Config) (*BlobClient, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          32,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
	}
	if cfg.StaticCredentials() {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	awsClient := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
	})

	return NewBlobClient(awsClient, cfg), nil
}

func (s *BlobClient) Bucket() string {
	return s.config.BucketName
}

// ===================================================================================================

// CheckBucket confirms the bucket exists and the credentials can reach it
func (s *BlobClient) CheckBucket(ctx context.Context) error {
	_, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: &s.config.BucketName,
	})
	if err != nil {
		return fmt.Errorf("head bucket %q: %w", s.config.BucketName, err)
	}
	return nil
}

// ===================================================================================================

// PutObject uploads a whole object in a single request
func (s *BlobClient) PutObject(ctx context.Context, params *PutObjectParams) (*PutObjectResponse, error) {
	resp, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               &s.config.BucketName,
		Key:                  &params.Key,
		Body:                 newProgressReader(params.Body, params.Size, params.Callback),
		ContentLength:        aws.Int64(params.Size),
		ServerSideEncryption: objectEncryption,
		ACL:                  objectACL,
	})
	if err != nil {
		return nil, err
	}

	return &PutObjectResponse{
		Key:     params.Key,
		Size:    params.Size,
		Version: aws.ToString(resp.VersionId),
		ETag:    trimETag(resp.ETag),
	}, nil
}

// ===================================================================================================

func (s *BlobClient) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	resp, err := s.api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:               &s.config.BucketName,
		Key:                  &key,
		ServerSideEncryption: objectEncryption,
		ACL:                  objectACL,
	})
	if err != nil {
		return "", err
	}
	uploadID := aws.ToString(resp.UploadId)
	if uploadID == "" {
		return "", fmt.Errorf("create multipart upload %q: empty upload id", key)
	}
	return uploadID, nil
}

func (s *BlobClient) UploadPart(ctx context.Context, params *UploadPartParams) (*CompletedPart, error) {
	resp, err := s.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        &s.config.BucketName,
		Key:           &params.Key,
		UploadId:      &params.UploadID,
		PartNumber:    aws.Int32(int32(params.PartNumber)),
		Body:          newProgressReader(params.Body, params.Size, params.Callback),
		ContentLength: aws.Int64(params.Size),
	})
	if err != nil {
		return nil, err
	}

	return &CompletedPart{
		PartNumber: params.PartNumber,
		ETag:       aws.ToString(resp.ETag),
	}, nil
}

func (s *BlobClient) CompleteMultipartUpload(ctx context.Context, params *CompleteMultipartUploadParams) (*PutObjectResponse, error) {
	completedParts := make([]types.CompletedPart, len(params.Parts))
	for i, part := range params.Parts {
		completedParts[i] = types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(int32(part.PartNumber)),
		}
	}

	resp, err := s.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   &s.config.BucketName,
		Key:      &params.Key,
		UploadId: &params.UploadID,
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completedParts,
		},
	})
	if err != nil {
		return nil, err
	}

	return &PutObjectResponse{
		Key:     params.Key,
		Version: aws.ToString(resp.VersionId),
		ETag:    trimETag(resp.ETag),
	}, nil
}

func (s *BlobClient) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	_, err := s.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   &s.config.BucketName,
		Key:      &key,
		UploadId: &uploadID,
	})
	return err
}

// ===================================================================================================

// ErrorCode returns the S3 error code carried by err, or "" for non-API errors
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func trimETag(etag *string) string {
	return strings.ReplaceAll(aws.ToString(etag), "\"", "")
}
