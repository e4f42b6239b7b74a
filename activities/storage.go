package activities

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/pomandi/mainstage/fault"
	"github.com/pomandi/mainstage/telemetry"
)

// S3API is the slice of the S3 client the storage activities use.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// StorageActivities fetches objects from S3-compatible storage.
type StorageActivities struct {
	client S3API
	bucket string
	logger telemetry.Logger
}

// NewStorageActivities wraps an S3 client. bucket is the default bucket used
// when the input does not name one.
func NewStorageActivities(client S3API, bucket string, logger telemetry.Logger) *StorageActivities {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &StorageActivities{client: client, bucket: bucket, logger: logger}
}

// Register registers the storage activities.
func (a *StorageActivities) Register(r Registrar) error {
	if err := r.RegisterActivity(StorageFetchObject, a.FetchObject); err != nil {
		return err
	}
	return r.RegisterActivity(StorageListObjects, a.ListObjects)
}

type (
	// FetchObjectInput names an object. Bucket falls back to the configured
	// default when empty.
	FetchObjectInput struct {
		Bucket string `json:"bucket,omitempty"`
		Key    string `json:"key"`
	}

	// FetchObjectOutput carries the object bytes.
	FetchObjectOutput struct {
		Data        []byte `json:"data"`
		ContentType string `json:"content_type,omitempty"`
		Length      int64  `json:"length"`
	}

	// ListObjectsInput lists keys under a prefix.
	ListObjectsInput struct {
		Bucket  string `json:"bucket,omitempty"`
		Prefix  string `json:"prefix,omitempty"`
		MaxKeys int    `json:"max_keys,omitempty"`
	}

	// ListObjectsOutput lists matching keys in lexical order.
	ListObjectsOutput struct {
		Keys []string `json:"keys,omitempty"`
	}
)

// FetchObject downloads one object.
func (a *StorageActivities) FetchObject(ctx context.Context, in FetchObjectInput) (FetchObjectOutput, error) {
	bucket := in.Bucket
	if bucket == "" {
		bucket = a.bucket
	}
	if bucket == "" || in.Key == "" {
		return FetchObjectOutput{}, Translate(fault.New(fault.SchemaViolation, "storage.fetch_object", "bucket and key are required"))
	}
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(in.Key),
	})
	if err != nil {
		return FetchObjectOutput{}, Translate(classifyStorage("storage.fetch_object", err))
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return FetchObjectOutput{}, Translate(fault.Wrap(fault.Transient, "storage.fetch_object", err))
	}
	result := FetchObjectOutput{Data: data, Length: int64(len(data))}
	if out.ContentType != nil {
		result.ContentType = *out.ContentType
	}
	return result, nil
}

// ListObjects pages through keys under a prefix, heartbeating between pages.
func (a *StorageActivities) ListObjects(ctx context.Context, in ListObjectsInput) (ListObjectsOutput, error) {
	bucket := in.Bucket
	if bucket == "" {
		bucket = a.bucket
	}
	if bucket == "" {
		return ListObjectsOutput{}, Translate(fault.New(fault.SchemaViolation, "storage.list_objects", "bucket is required"))
	}
	var keys []string
	input := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
	if in.Prefix != "" {
		input.Prefix = aws.String(in.Prefix)
	}
	for {
		page, err := a.client.ListObjectsV2(ctx, input)
		if err != nil {
			return ListObjectsOutput{}, Translate(classifyStorage("storage.list_objects", err))
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			keys = append(keys, *obj.Key)
			if in.MaxKeys > 0 && len(keys) >= in.MaxKeys {
				return ListObjectsOutput{Keys: keys}, nil
			}
		}
		if page.IsTruncated == nil || !*page.IsTruncated {
			break
		}
		input.ContinuationToken = page.NextContinuationToken
		heartbeat(ctx, len(keys))
	}
	return ListObjectsOutput{Keys: keys}, nil
}

func classifyStorage(op string, err error) error {
	var noKey *types.NoSuchKey
	var noBucket *types.NoSuchBucket
	if errors.As(err, &noKey) || errors.As(err, &noBucket) {
		return fault.Wrap(fault.NotFound, op, err)
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch status := respErr.HTTPStatusCode(); {
		case status == http.StatusNotFound:
			return fault.Wrap(fault.NotFound, op, err)
		case status == http.StatusTooManyRequests:
			return fault.Wrap(fault.RateLimited, op, err)
		case status >= http.StatusInternalServerError:
			return fault.Wrap(fault.Transient, op, err)
		}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NoSuchBucket", "NotFound":
			return fault.Wrap(fault.NotFound, op, err)
		case "SlowDown", "ThrottlingException":
			return fault.Wrap(fault.RateLimited, op, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.Timeout, op, err)
	}
	return fault.Wrap(fault.Transient, op, err)
}
