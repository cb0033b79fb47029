package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/goccy/go-json"
	"github.com/utilitywarehouse/repo-sync/syncerr"
)

const (
	s3Backend = "s3"
	s3Suffix  = ".json"
)

// S3API is the subset of the S3 client used by S3Store
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config configures the S3 client of S3Store
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// S3Store keeps one object per repository id at <prefix><id>.json. Since
// every save is a single PUT, records are replaced atomically per key.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store returns S3Store using given client
func NewS3Store(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

// NewS3StoreFromConfig creates S3 client from config. default aws credential
// chain is used unless static keys are set.
func NewS3StoreFromConfig(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, &syncerr.ConfigurationError{Msg: "s3 bucket is required", Field: "state.s3.bucket"}
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &syncerr.ConfigurationError{Msg: "unable to load aws config", Field: "state.s3", Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	return NewS3Store(client, cfg.Bucket, cfg.Prefix), nil
}

// Save replaces the object of given id
func (s *S3Store) Save(ctx context.Context, id string, rs RepositoryState) error {
	key := s.key(id)

	data, err := json.MarshalIndent(rs, "", "  ")
	if err != nil {
		return s.storageErr("unable to encode state", key, err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return s.storageErr("unable to put state", key, err)
	}
	return nil
}

// Load returns the record of given id, an empty record is returned if
// object doesn't exist.
func (s *S3Store) Load(ctx context.Context, id string) (RepositoryState, error) {
	key := s.key(id)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return RepositoryState{}, nil
	}
	if err != nil {
		return RepositoryState{}, s.storageErr("unable to get state", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return RepositoryState{}, s.storageErr("unable to read state", key, err)
	}

	var rs RepositoryState
	if err := json.Unmarshal(data, &rs); err != nil {
		return RepositoryState{}, s.storageErr("invalid state object", key, err)
	}
	return rs, nil
}

// List returns ids of all objects under the prefix
func (s *S3Store) List(ctx context.Context) (mapset.Set[string], error) {
	ids := mapset.NewSet[string]()

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, s.storageErr("unable to list state objects", s.prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, s3Suffix) {
				continue
			}
			ids.Add(strings.TrimSuffix(strings.TrimPrefix(key, s.prefix), s3Suffix))
		}
	}
	return ids, nil
}

func (s *S3Store) key(id string) string {
	return s.prefix + id + s3Suffix
}

func (s *S3Store) storageErr(msg, key string, err error) error {
	return &syncerr.StorageError{
		Msg:     msg,
		Backend: s3Backend,
		Key:     key,
		Err:     fmt.Errorf("bucket %s err:%w", s.bucket, err),
	}
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
