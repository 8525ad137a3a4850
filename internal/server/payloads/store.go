// Package payloads keeps file payload bytes in S3-compatible object
// storage. Objects are content addressed so an inbox copy and the drive
// copy of the same bytes share one object.
package payloads

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dmitrijs2005/peertransit/internal/common"
	sc "github.com/dmitrijs2005/peertransit/internal/server/config"
	"github.com/dmitrijs2005/peertransit/internal/server/registry"
)

// Ref addresses a stored payload. The zero Ref means no payload.
type Ref struct {
	Key  string
	Hash []byte
}

func (r Ref) IsZero() bool { return r.Key == "" }

type Store interface {
	Put(ctx context.Context, data []byte) (Ref, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// Hash is the content address of data.
func Hash(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

var loadDefaultAWSConfig = awsconfig.LoadDefaultConfig

var newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) objectAPI {
	return s3.NewFromConfig(cfg, optFns...)
}

type S3Store struct {
	client objectAPI
	bucket string
	prefix string
}

// NewS3Store builds a store for the local identity using the storage
// location the registry reports for it.
func NewS3Store(ctx context.Context, config *sc.Config, reg registry.Registry) (*S3Store, error) {
	loc, err := reg.StorageConfigFor(ctx, config.Identity)
	if err != nil {
		return nil, fmt.Errorf("storage config: %w", err)
	}

	cfg, err := loadDefaultAWSConfig(ctx,
		awsconfig.WithRegion(config.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			config.S3RootUser,
			config.S3RootPassword,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	client := newS3ClientFromConfig(cfg, func(o *s3.Options) {
		if config.S3BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(config.S3BaseEndpoint)
		}
		o.UsePathStyle = true
	})

	return &S3Store{client: client, bucket: loc.Bucket, prefix: loc.Prefix}, nil
}

func (s *S3Store) keyFor(hash []byte) string {
	return path.Join(s.prefix, "payloads", hex.EncodeToString(hash))
}

// Put stores data under its content address. Storing the same bytes twice
// rewrites the same object.
func (s *S3Store) Put(ctx context.Context, data []byte) (Ref, error) {
	if len(data) == 0 {
		return Ref{}, nil
	}
	hash := Hash(data)
	key := s.keyFor(hash)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return Ref{}, fmt.Errorf("put object: %w", err)
	}
	return Ref{Key: key, Hash: hash}, nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, nil
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}
