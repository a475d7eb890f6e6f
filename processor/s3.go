package processor

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/NVIDIA/resourcedl/cmn"
	"github.com/NVIDIA/resourcedl/resource"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3Processor fetches mirrors of the form s3://bucket/key using the
// teacher's own cloud-object client, aws-sdk-go (spec.md names "cloud
// object client" as a Processor kind, §1).
type S3Processor struct {
	base
	client *s3.S3
}

func NewS3Processor(sess *session.Session) *S3Processor {
	return &S3Processor{base: newBase(), client: s3.New(sess)}
}

var _ Processor = (*S3Processor)(nil)

func (p *S3Processor) CanProcess(d *resource.Downloadable) bool {
	u, err := url.Parse(d.Mirror.Location)
	return err == nil && u.Scheme == "s3"
}

func (p *S3Processor) Process(d *resource.Downloadable, params resource.StartParams) {
	p.base.process(p, d, params)
}

func (p *S3Processor) EnqueuePending() { p.base.enqueuePending(p) }

func (p *S3Processor) Open(ctx context.Context, location string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme != "s3" {
		return nil, 0, cmn.NewUnsupportedSchemeError(location)
	}
	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")

	out, err := p.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, 0, cmn.NewNoRecordError(location)
		}
		return nil, 0, cmn.NewTransportFailureError(err, location)
	}
	total := int64(0)
	if out.ContentLength != nil {
		total = *out.ContentLength
	}
	return out.Body, total, nil
}
