package blob

import (
	"fmt"

	"github.com/openmined/shovel/internal/utils"
)

type S3Config struct {
	BucketName    string
	Region        string
	AccessKey     string
	SecretKey     string
	Endpoint      string
	UsePathStyle  bool
	UseAccelerate bool
}

// Validate checks the bucket settings. Empty keys are allowed and select the
// default AWS credential chain (environment, shared config, instance role).
func (c *S3Config) Validate() error {
	if c.BucketName == "" {
		return fmt.Errorf("bucket_name required")
	}
	if c.Region == "" {
		return fmt.Errorf("region required")
	}
	if (c.AccessKey == "") != (c.SecretKey == "") {
		return fmt.Errorf("access_key and secret_key must be set together")
	}
	if c.Endpoint != "" && !utils.IsValidURL(c.Endpoint) {
		return fmt.Errorf("invalid endpoint URL %q", c.Endpoint)
	}
	if c.Endpoint != "" && c.UseAccelerate {
		return fmt.Errorf("use_accelerate cannot be combined with a custom endpoint")
	}
	return nil
}

// StaticCredentials reports whether explicit keys were configured
func (c *S3Config) StaticCredentials() bool {
	return c.AccessKey != "" && c.SecretKey != ""
}
