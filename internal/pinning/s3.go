package pinning

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/onnwee/medledger/internal/hybrid"
)

// cidMetadataKey is the object metadata field IPFS-backed S3 gateways
// (Filebase and compatible) use to report the CID of a stored object.
const cidMetadataKey = "cid"

// contentTypeCBOR is stored on every envelope object.
const contentTypeCBOR = "application/cbor"

// s3API is the subset of *s3.Client the uploader needs.
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Config holds configuration for an S3-compatible pinning bucket.
type S3Config struct {
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	Region          string // Default: "us-east-1"
}

// S3Uploader stores envelopes in an IPFS-backed S3 bucket. Envelopes are
// re-encoded as CBOR so the pinned object is compact and deterministic.
type S3Uploader struct {
	client s3API
	bucket string
}

// NewS3Uploader creates an uploader with the given configuration.
func NewS3Uploader(cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.AccessKeyID == "" {
		return nil, errors.New("access key ID is required")
	}
	if cfg.SecretAccessKey == "" {
		return nil, errors.New("secret access key is required")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	client := s3.New(s3.Options{
		Region: cfg.Region,
		Credentials: aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
		BaseEndpoint: aws.String(cfg.Endpoint),
		UsePathStyle: true,
	})

	return &S3Uploader{client: client, bucket: cfg.Bucket}, nil
}

// Upload stores the envelope under envelopes/<name>.cbor and returns the CID
// reported by the gateway, or the locally computed CID of the stored bytes
// when the gateway does not report one.
func (u *S3Uploader) Upload(ctx context.Context, name string, data []byte) (string, error) {
	env, err := hybrid.ParseEnvelope(data)
	if err != nil {
		return "", fmt.Errorf("s3 pinning accepts only envelopes: %w", err)
	}
	body, err := env.MarshalCBOR()
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}

	key := ObjectKey(name)
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentTypeCBOR),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put object: %w", err)
	}

	head, err := u.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to read object metadata: %w", err)
	}
	if c := head.Metadata[cidMetadataKey]; ValidCID(c) {
		return c, nil
	}
	return LocalCID(body)
}

// Name identifies the uploader in logs.
func (u *S3Uploader) Name() string { return "s3" }

// ObjectKey builds the object key for an envelope name.
// Pattern: envelopes/{sanitized name}.cbor
func ObjectKey(name string) string {
	sanitized := sanitizePathComponent(name)
	if sanitized == "" {
		sanitized = "unnamed"
	}
	return "envelopes/" + sanitized + ".cbor"
}

// sanitizePathComponent keeps alphanumerics, hyphens and underscores.
func sanitizePathComponent(s string) string {
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			result.WriteRune(r)
		}
	}
	return result.String()
}
