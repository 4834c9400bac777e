// Package kss provides a key storage service: binary objects stored outside of the
// database under string keys, accessible through pre-signed URLs.
// There are currently two possible backends: a local file system and AWS S3
package kss

import (
	"context"
	"crypto/rsa"
	"time"
)

// Method is a http method a pre-signed URL can be used with
type Method string

// Supported methods for pre-signed URLs
const (
	Get Method = "GET"
	Put Method = "PUT"
)

// Driver defines the interface for the KSS service. Keys are always relative to the
// driver's base.
type Driver interface {
	// GetPreSignedURL returns a URL that can be used with the given method until expireIn has passed
	GetPreSignedURL(ctx context.Context, method Method, key string, expireIn time.Duration) (string, error)
	// UploadData stores data under key, replacing any existing object
	UploadData(ctx context.Context, key string, data []byte) error
	// ListAllWithPrefix returns all keys starting with prefix in lexicographic order
	ListAllWithPrefix(ctx context.Context, prefix string) ([]string, error)
	// Delete deletes the object stored under key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// DeleteAllWithPrefix deletes all objects whose key starts with prefix
	DeleteAllWithPrefix(ctx context.Context, prefix string) error
}

// DriverType represents the different type of KSS Drivers
type DriverType string

// DriverTypeLocal is the local filesystem implementation of the KSS service
const DriverTypeLocal DriverType = "Local"

// DriverTypeAWSS3 is the AWS S3 implementation of the KSS service
const DriverTypeAWSS3 DriverType = "AWSS3"

// None is used when there is no KSS implementation
const None DriverType = ""

// Configuration contains the configuration for the KSS service
type Configuration struct {
	DriverType         DriverType
	LocalConfiguration *LocalConfiguration
	S3Configuration    *S3Configuration
}

// LocalConfiguration contains the configuration for the local filesystem KSS service
type LocalConfiguration struct {
	BasePath string
	// PrivateKey signs the URLs. If nil, a random key is generated, which only works
	// as long as a single instance serves the URLs.
	PrivateKey *rsa.PrivateKey
}

// S3Configuration contains the configuration for the AWS S3 KSS service
type S3Configuration struct {
	AccessID      string
	AccessKey     string
	AWSBucketName string
	AWSRegion     string
	KeyPrefix     string
}

// S3Credentials holds the credentials for AWS S3, decoded from the environment
type S3Credentials struct {
	AccessID  string `env:"AWS_ACCESS_ID,optional"`
	AccessKey string `env:"AWS_ACCESS_KEY,optional"`
}
