package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used here.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Options configures an S3Fetcher.
type S3Options struct {
	// Client overrides the client built from AWSConfig.
	Client S3API
	// AWSConfig defaults to config.LoadDefaultConfig.
	AWSConfig *aws.Config
	// Region overrides the region from the AWS config when set.
	Region string
}

// S3Fetcher reads s3://bucket/key URLs with GetObject.
type S3Fetcher struct {
	client S3API
}

func NewS3(ctx context.Context, opts S3Options) (*S3Fetcher, error) {
	if opts.Client != nil {
		return &S3Fetcher{client: opts.Client}, nil
	}

	var awsCfg aws.Config
	if opts.AWSConfig != nil {
		awsCfg = *opts.AWSConfig
	} else {
		var loadOpts []func(*config.LoadOptions) error
		if opts.Region != "" {
			loadOpts = append(loadOpts, config.WithRegion(opts.Region))
		}
		var err error
		awsCfg, err = config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load AWS config: %w", err)
		}
	}
	if opts.Region != "" {
		awsCfg.Region = opts.Region
	}
	return &S3Fetcher{client: s3.NewFromConfig(awsCfg)}, nil
}

// ParseS3URL splits s3://bucket/key.
func ParseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3 url: %q", raw)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("s3 url must be s3://bucket/key: %q", raw)
	}
	return u.Host, key, nil
}

func (f *S3Fetcher) Fetch(ctx context.Context, rawURL string, dst io.Writer) (int64, error) {
	bucket, key, err := ParseS3URL(rawURL)
	if err != nil {
		return 0, &NetworkError{URL: rawURL, Err: err}
	}

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, &NetworkError{URL: rawURL, Err: fmt.Errorf("get S3 object s3://%s/%s: %w", bucket, key, err)}
	}
	defer out.Body.Close()

	n, err := io.Copy(dst, out.Body)
	if err != nil {
		return n, &NetworkError{URL: rawURL, Err: fmt.Errorf("read s3://%s/%s after %d bytes: %w", bucket, key, n, err)}
	}
	if out.ContentLength != nil && n != *out.ContentLength {
		return n, &NetworkError{URL: rawURL, Err: fmt.Errorf("short body: got %d of %d bytes", n, *out.ContentLength)}
	}
	return n, nil
}
