// Package storage keeps serialized messages and remembers which server
// messages were already handled.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hickar/mailfetch/internal/app/config"
	"github.com/hickar/mailfetch/internal/app/mailer"
)

const emlContentType = "message/rfc822"

// DirStore writes every message into its own .eml file under
// <dir>/<account>/<message id>.eml.
type DirStore struct {
	dir string
}

func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &DirStore{dir: dir}, nil
}

// Save writes raw message atomically and returns path of written file.
// Saving message with the same id again replaces the file.
func (s *DirStore) Save(_ context.Context, account, messageID string, raw []byte) (string, error) {
	accountDir := filepath.Join(s.dir, mailer.SafeFilename(account))
	if err := os.MkdirAll(accountDir, 0o755); err != nil {
		return "", fmt.Errorf("create account dir: %w", err)
	}

	tmp, err := os.CreateTemp(accountDir, ".tmp-*.eml")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err = tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write message: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}

	dst := filepath.Join(accountDir, emlFilename(messageID))
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("rename message file: %w", err)
	}

	return dst, nil
}

// ObjectPutter is the part of *s3.Client used by S3Store.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store uploads messages to S3 compatible bucket under
// <prefix>/<account>/<message id>.eml keys.
type S3Store struct {
	client ObjectPutter
	bucket string
	prefix string
}

// NewS3Client creates S3 client with static credentials, falling back to
// anonymous access when no keys are configured.
func NewS3Client(cfg config.S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		UsePathStyle: cfg.UsePathStyle,
	}
	if cfg.AccessKeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			endpoint = "https://" + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
	}

	return s3.New(opts)
}

func NewS3Store(client ObjectPutter, bucket, prefix string) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Save uploads raw message and returns its object key.
func (s *S3Store) Save(ctx context.Context, account, messageID string, raw []byte) (string, error) {
	key := path.Join(s.prefix, mailer.SafeFilename(account), emlFilename(messageID))

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(raw),
		ContentLength: aws.Int64(int64(len(raw))),
		ContentType:   aws.String(emlContentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}

	return key, nil
}

func emlFilename(messageID string) string {
	return mailer.SafeFilename(messageID) + ".eml"
}
