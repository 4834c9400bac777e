package kss

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/relabs-tech/blogger/core/logger"
)

// maximum number of keys DeleteObjects accepts in one call
const deleteBatchSize = 1000

// S3 is the implementation of the KSS Driver for AWS S3
type S3 struct {
	client      *s3.Client
	uploader    *manager.Uploader
	presigner   *s3.PresignClient
	bucket      string
	baseKeyName string
}

// NewS3 returns a new S3
func NewS3(kssConfig S3Configuration) (*S3, error) {
	if kssConfig.AWSBucketName == "" {
		return nil, fmt.Errorf("AWSBucketName must not be empty")
	}

	cfg, err := config.LoadDefaultConfig(
		context.Background(),
		config.WithRegion(kssConfig.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(kssConfig.AccessID, kssConfig.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("KSS S3 enabled for bucket", kssConfig.AWSBucketName)
	client := s3.NewFromConfig(cfg)
	return &S3{
		client:      client,
		uploader:    manager.NewUploader(client),
		presigner:   s3.NewPresignClient(client),
		bucket:      kssConfig.AWSBucketName,
		baseKeyName: kssConfig.KeyPrefix,
	}, nil
}

// Delete deletes the key object
func (s *S3) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.baseKeyName + key),
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("could not delete", s.baseKeyName+key)
		return err
	}
	logger.FromContext(ctx).Debugln("deleted", s.baseKeyName+key)
	return nil
}

// DeleteAllWithPrefix deletes all keys starting with prefix
func (s *S3) DeleteAllWithPrefix(ctx context.Context, prefix string) error {
	keys, err := s.ListAllWithPrefix(ctx, prefix)
	if err != nil {
		return err
	}
	for len(keys) > 0 {
		n := len(keys)
		if n > deleteBatchSize {
			n = deleteBatchSize
		}
		objects := make([]types.ObjectIdentifier, n)
		for i, key := range keys[:n] {
			objects[i] = types.ObjectIdentifier{Key: aws.String(s.baseKeyName + key)}
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: true},
		})
		if err != nil {
			return err
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fmt.Errorf("could not delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Message))
		}
		keys = keys[n:]
	}
	logger.FromContext(ctx).Debugln("deleted all", s.baseKeyName+prefix)
	return nil
}

// GetPreSignedURL returns a pre-signed URL that can be used with the given method until expireIn has passed
func (s *S3) GetPreSignedURL(ctx context.Context, method Method, key string, expireIn time.Duration) (string, error) {
	var (
		resp *v4.PresignedHTTPRequest
		err  error
	)
	switch method {
	case Get:
		resp, err = s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.baseKeyName + key),
		}, s3.WithPresignExpires(expireIn))
	case Put:
		resp, err = s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.baseKeyName + key),
		}, s3.WithPresignExpires(expireIn))
	default:
		err = fmt.Errorf("%s unsupported method to presign '%s'", method, s.baseKeyName+key)
	}
	if err != nil {
		return "", err
	}
	return resp.URL, nil
}

// UploadData uploads data into a new key object
func (s *S3) UploadData(ctx context.Context, key string, data []byte) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.baseKeyName + key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(http.DetectContentType(data)),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", s.baseKeyName+key, err)
	}
	return nil
}

// ListAllWithPrefix lists all keys with prefix
func (s *S3) ListAllWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.baseKeyName + prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			logger.FromContext(ctx).WithError(err).Errorln("could not list objects from", s.bucket)
			return nil, err
		}
		for _, item := range page.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(item.Key), s.baseKeyName))
		}
	}
	sort.Strings(keys)
	return keys, nil
}
