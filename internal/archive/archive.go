// Package archive stores raw webhook payloads in S3 for audit and replay.
//
// Objects are keyed s3://{bucket}/{prefix}/YYYY/MM/DD/{event-id}.json using
// the UTC receipt date. Archive failures are reported to the caller, which
// logs them; they never decide the webhook response.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keithlinneman/academy-api/internal/log"
	"github.com/keithlinneman/academy-api/internal/otelx"
	"github.com/keithlinneman/academy-api/internal/xerrors"
)

// Archiver persists a verified payload under its event ID.
type Archiver interface {
	Put(ctx context.Context, eventID string, payload []byte) error
}

// Nop discards payloads. Used when no bucket is configured.
type Nop struct{}

func (Nop) Put(context.Context, string, []byte) error { return nil }

// S3API is the subset of the S3 client used here.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Options struct {
	Logger log.Logger
	Client S3API
	Bucket string
	Prefix string
	// KMSKeyID enables SSE-KMS with this key. Empty uses the bucket default.
	KMSKeyID string
	Now      func() time.Time
}

type S3Archiver struct {
	client   S3API
	bucket   string
	prefix   string
	kmsKeyID string
	logger   log.Logger
	now      func() time.Time
}

func NewS3(opts S3Options) (*S3Archiver, error) {
	if opts.Client == nil {
		return nil, xerrors.New("archive: S3 client is required")
	}
	if opts.Bucket == "" {
		return nil, xerrors.New("archive: bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &S3Archiver{
		client:   opts.Client,
		bucket:   opts.Bucket,
		prefix:   strings.Trim(opts.Prefix, "/"),
		kmsKeyID: opts.KMSKeyID,
		logger:   opts.Logger,
		now:      opts.Now,
	}, nil
}

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Key returns the object key for eventID received at t.
func (a *S3Archiver) Key(eventID string, t time.Time) string {
	name := unsafeKeyChars.ReplaceAllString(eventID, "_")
	key := fmt.Sprintf("%s/%s.json", t.UTC().Format("2006/01/02"), name)
	if a.prefix != "" {
		key = a.prefix + "/" + key
	}
	return key
}

func (a *S3Archiver) Put(ctx context.Context, eventID string, payload []byte) (err error) {
	key := a.Key(eventID, a.now())
	ctx, span := otelx.Start(ctx, "archive.put",
		attribute.String("aws.s3.bucket", a.bucket),
		attribute.String("aws.s3.key", key),
	)
	defer func() { otelx.End(span, err) }()

	in := &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String("application/json"),
	}
	if a.kmsKeyID != "" {
		in.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		in.SSEKMSKeyId = aws.String(a.kmsKeyID)
	}

	if _, err := a.client.PutObject(ctx, in); err != nil {
		return xerrors.Wrapf(err, "put s3://%s/%s", a.bucket, key)
	}
	a.logger.Debug(ctx, "archived webhook payload", "bucket", a.bucket, "key", key, "bytes", len(payload))
	return nil
}
