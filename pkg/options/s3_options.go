package options

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*S3Options)(nil)

// S3Options configures the object store sealed segments are archived to.
type S3Options struct {
	Enabled         bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint        string `json:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string `json:"access-key-id" mapstructure:"access-key-id"`
	SecretAccessKey string `json:"secret-access-key" mapstructure:"secret-access-key"`
	UseSSL          bool   `json:"use-ssl" mapstructure:"use-ssl"`
	BucketName      string `json:"bucket-name" mapstructure:"bucket-name"`
	Region          string `json:"region" mapstructure:"region"`

	// Prefix is prepended to every object key.
	Prefix string `json:"prefix" mapstructure:"prefix"`

	// DeleteAfterUpload removes local segment files once both objects are stored.
	DeleteAfterUpload bool `json:"delete-after-upload" mapstructure:"delete-after-upload"`

	// RetryInterval is the base delay between failed uploads.
	RetryInterval time.Duration `json:"retry-interval" mapstructure:"retry-interval"`
}

func NewS3Options() *S3Options {
	return &S3Options{
		Endpoint:      "127.0.0.1:9000",
		UseSSL:        false,
		BucketName:    "can-logs",
		Region:        "us-east-1",
		RetryInterval: 30 * time.Second,
	}
}

func (o *S3Options) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}

	errors := []error{}

	if o.Endpoint == "" || strings.Contains(o.Endpoint, "://") {
		errors = append(errors, fmt.Errorf("s3.endpoint must be host[:port] without a scheme, got %q", o.Endpoint))
	}
	if o.BucketName == "" {
		errors = append(errors, fmt.Errorf("s3.bucket-name must not be empty"))
	}
	if o.RetryInterval <= 0 {
		errors = append(errors, fmt.Errorf("s3.retry-interval must be positive"))
	}

	return errors
}

func (o *S3Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, flagName("s3", prefixes, "enabled"), o.Enabled, "Upload sealed segments to object storage.")
	fs.StringVar(&o.Endpoint, flagName("s3", prefixes, "endpoint"), o.Endpoint, "S3 service endpoint (e.g. s3.amazonaws.com or minio.local:9000)")
	fs.StringVar(&o.AccessKeyID, flagName("s3", prefixes, "access-key-id"), o.AccessKeyID, "S3 access key ID")
	fs.StringVar(&o.SecretAccessKey, flagName("s3", prefixes, "secret-access-key"), o.SecretAccessKey, "S3 secret access key")
	fs.BoolVar(&o.UseSSL, flagName("s3", prefixes, "use-ssl"), o.UseSSL, "Enable SSL for S3 connection")
	fs.StringVar(&o.BucketName, flagName("s3", prefixes, "bucket-name"), o.BucketName, "S3 bucket name for segment archives")
	fs.StringVar(&o.Region, flagName("s3", prefixes, "region"), o.Region, "S3 region")
	fs.StringVar(&o.Prefix, flagName("s3", prefixes, "prefix"), o.Prefix, "Key prefix for uploaded segments")
	fs.BoolVar(&o.DeleteAfterUpload, flagName("s3", prefixes, "delete-after-upload"), o.DeleteAfterUpload, "Delete local segment files after a successful upload")
	fs.DurationVar(&o.RetryInterval, flagName("s3", prefixes, "retry-interval"), o.RetryInterval, "Base delay between failed upload attempts")
}
