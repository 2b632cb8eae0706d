package assetstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gabriel-vasile/mimetype"
)

// S3Config configures an S3-compatible bucket (AWS, MinIO, ...).
type S3Config struct {
	Bucket        string
	Region        string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	PublicBaseURL string
	UsePathStyle  bool
}

// s3API is the subset of *s3.Client the store uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store keeps assets in one bucket under "<folder>/<name>.<format>" keys.
type S3Store struct {
	client     s3API
	bucket     string
	publicBase string
}

var _ Store = (*S3Store)(nil)

// NewS3Store builds a client from cfg. Static credentials are used when
// both keys are set, otherwise the default AWS credential chain applies.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("s3 bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	publicBase := cfg.PublicBaseURL
	if publicBase == "" {
		publicBase = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, region)
	}
	return newS3Store(client, cfg.Bucket, publicBase), nil
}

func newS3Store(client s3API, bucket, publicBase string) *S3Store {
	return &S3Store{client: client, bucket: bucket, publicBase: strings.TrimRight(publicBase, "/")}
}

func (s *S3Store) Upload(ctx context.Context, req UploadRequest) (Ref, error) {
	if !req.Kind.Valid() {
		return Ref{}, fmt.Errorf("unknown asset kind %q", req.Kind)
	}
	publicID, err := PublicID(req.Folder, req.Name)
	if err != nil {
		return Ref{}, err
	}
	publicURL, err := URLFor(s.publicBase, publicID, req.Format)
	if err != nil {
		return Ref{}, err
	}

	info, err := os.Stat(req.LocalPath)
	if err != nil {
		return Ref{}, fmt.Errorf("stat %s: %w", req.LocalPath, err)
	}
	detected, err := mimetype.DetectFile(req.LocalPath)
	if err != nil {
		return Ref{}, fmt.Errorf("detect media type: %w", err)
	}

	key := objectKey(publicID, req.Format)
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		ContentLength: aws.Int64(info.Size()),
		Metadata:      map[string]string{"asset-kind": string(req.Kind)},
	}

	switch req.Kind {
	case KindImage:
		if !strings.HasPrefix(detected.String(), "image/") {
			return Ref{}, fmt.Errorf("%w: %s is %s", ErrUnsupportedMedia, req.LocalPath, detected.String())
		}
		in.ContentType = aws.String(detected.String())
	case KindRaw:
		in.ContentType = aws.String(rawContentType(detected, req.Format))
		in.ContentDisposition = aws.String(fmt.Sprintf("attachment; filename=%q", req.Name+"."+req.Format))
	}

	f, err := os.Open(req.LocalPath)
	if err != nil {
		return Ref{}, fmt.Errorf("open %s: %w", req.LocalPath, err)
	}
	defer f.Close()
	in.Body = f

	if _, err := s.client.PutObject(ctx, in); err != nil {
		return Ref{}, fmt.Errorf("upload object %s: %w", key, err)
	}
	return Ref{PublicID: publicID, URL: publicURL, Kind: req.Kind, Bytes: info.Size()}, nil
}

// Delete removes every "<publicID>.<format>" key. Nothing to delete is not an error.
func (s *S3Store) Delete(ctx context.Context, publicID string, kind Kind) error {
	if _, _, err := SplitPublicID(publicID); err != nil {
		return err
	}
	prefix := publicID + "."

	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list objects %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !validFormat(strings.TrimPrefix(key, prefix)) {
				continue
			}
			if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucket),
				Key:    aws.String(key),
			}); err != nil {
				return fmt.Errorf("delete object %s (%s): %w", key, kind, err)
			}
		}
	}
	return nil
}

func rawContentType(detected *mimetype.MIME, format string) string {
	if format == "pdf" {
		return "application/pdf"
	}
	if detected != nil {
		return detected.String()
	}
	return "application/octet-stream"
}
