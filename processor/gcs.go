package processor

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/NVIDIA/resourcedl/cmn"
	"github.com/NVIDIA/resourcedl/resource"
)

// GCSProcessor fetches mirrors of the form gs://bucket/object using the
// teacher's own Google Cloud Storage client.
type GCSProcessor struct {
	base
	client *storage.Client
}

func NewGCSProcessor(client *storage.Client) *GCSProcessor {
	return &GCSProcessor{base: newBase(), client: client}
}

var _ Processor = (*GCSProcessor)(nil)

func (p *GCSProcessor) CanProcess(d *resource.Downloadable) bool {
	u, err := url.Parse(d.Mirror.Location)
	return err == nil && u.Scheme == "gs"
}

func (p *GCSProcessor) Process(d *resource.Downloadable, params resource.StartParams) {
	p.base.process(p, d, params)
}

func (p *GCSProcessor) EnqueuePending() { p.base.enqueuePending(p) }

func (p *GCSProcessor) Open(ctx context.Context, location string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme != "gs" {
		return nil, 0, cmn.NewUnsupportedSchemeError(location)
	}
	bucket := u.Host
	object := strings.TrimPrefix(u.Path, "/")

	r, err := p.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, 0, cmn.NewNoRecordError(location)
		}
		return nil, 0, cmn.NewTransportFailureError(err, location)
	}
	return r, r.Attrs.Size, nil
}
