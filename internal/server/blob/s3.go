// Package blob stores oversized credential ciphertexts in S3-compatible
// object storage. The server still never sees plaintext: what lands in the
// bucket is the caller-supplied AEAD ciphertext, verbatim. Small ciphertexts
// stay inline in the credential row and never touch this package.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

var (
	loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) *s3.Client {
		return s3.NewFromConfig(cfg, optFns...)
	}

	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignGetObject(ctx, in, optFns...)
	}
)

// Config holds the settings of the S3-compatible backend.
type Config struct {
	RootUser     string
	RootPassword string
	Bucket       string
	Region       string
	BaseEndpoint string
}

// S3Store reads and writes ciphertext blobs in a single bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds a store from config. Endpoint and bucket must be set.
func NewS3Store(ctx context.Context, cfg Config) (*S3Store, error) {
	if cfg.BaseEndpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("blob storage is not configured")
	}

	awsCfg, err := loadDefaultAWSConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.RootUser,
			cfg.RootPassword,
			"",
		)))
	if err != nil {
		return nil, err
	}

	client := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
		o.UsePathStyle = true
	})

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// RandomStorageKey produces a date-sharded object key for a new blob.
func RandomStorageKey() string {
	d := time.Now()
	return fmt.Sprintf("credentials/%d/%d/%d/%v", d.Year(), d.Month(), d.Day(), uuid.New())
}

// Put uploads a ciphertext blob under a fresh storage key and returns it.
func (s *S3Store) Put(ctx context.Context, data []byte) (string, error) {
	key := RandomStorageKey()
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("blob put: %w", err)
	}
	return key, nil
}

// Get downloads the blob stored under key.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, fmt.Errorf("blob get: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("blob read: %w", err)
	}
	return data, nil
}

// Delete removes the blob stored under key.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return fmt.Errorf("blob delete: %w", err)
	}
	return nil
}

// PresignGet returns a temporary GET URL the serving layer can hand to a
// client, so large ciphertexts are downloaded straight from object storage.
func (s *S3Store) PresignGet(ctx context.Context, key string) (string, error) {
	pc := s3.NewPresignClient(s.client)

	req, err := presignGetObject(pc, ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}, s3.WithPresignExpires(15*time.Minute))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}
