package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/admissiond/admissiond/internal/xerrors"
)

// S3API is the slice of the S3 client the archiver needs.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Writer archives event batches as JSONL objects under
// <prefix>/<yyyy/mm/dd>/<unixnano>-<seq>.jsonl. One object per batch keeps
// the writer allocation-light and makes batches independently replayable.
type S3Writer struct {
	client S3API
	bucket string
	prefix string
	seq    atomic.Int64
}

// NewS3Writer creates an archiver for the given bucket/prefix.
func NewS3Writer(client S3API, bucket, prefix string) (*S3Writer, error) {
	if client == nil {
		return nil, xerrors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, xerrors.New("bucket is required")
	}
	return &S3Writer{client: client, bucket: bucket, prefix: prefix}, nil
}

func (w *S3Writer) WriteEvents(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return xerrors.Wrap(err, "encode audit event")
		}
	}

	key := w.objectKey(events[0].At)
	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return xerrors.Wrapf(err, "put audit batch s3://%s/%s", w.bucket, key)
	}
	return nil
}

func (w *S3Writer) objectKey(at time.Time) string {
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	name := fmt.Sprintf("%d-%d.jsonl", at.UnixNano(), w.seq.Add(1))
	if w.prefix != "" {
		return fmt.Sprintf("%s/%s/%s", w.prefix, at.Format("2006/01/02"), name)
	}
	return fmt.Sprintf("%s/%s", at.Format("2006/01/02"), name)
}
