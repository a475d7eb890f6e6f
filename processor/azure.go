package processor

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/NVIDIA/resourcedl/cmn"
	"github.com/NVIDIA/resourcedl/resource"
)

// AzureProcessor fetches mirrors of the form
// https://<account>.blob.core.windows.net/<container>/<blob> using the
// teacher's own azure-storage-blob-go client.
type AzureProcessor struct {
	base
	credential azblob.Credential
}

func NewAzureProcessor(credential azblob.Credential) *AzureProcessor {
	return &AzureProcessor{base: newBase(), credential: credential}
}

var _ Processor = (*AzureProcessor)(nil)

func (p *AzureProcessor) CanProcess(d *resource.Downloadable) bool {
	return isAzureURL(d.Mirror.Location)
}

func isAzureURL(location string) bool {
	u, err := url.Parse(location)
	return err == nil && strings.Contains(u.Host, ".blob.core.windows.net")
}

func (p *AzureProcessor) Process(d *resource.Downloadable, params resource.StartParams) {
	p.base.process(p, d, params)
}

func (p *AzureProcessor) EnqueuePending() { p.base.enqueuePending(p) }

func (p *AzureProcessor) Open(ctx context.Context, location string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(location)
	if err != nil || !isAzureURL(location) {
		return nil, 0, cmn.NewUnsupportedSchemeError(location)
	}
	blobURL := azblob.NewBlobURL(*u, azblob.NewPipeline(p.credential, azblob.PipelineOptions{}))
	resp, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if serr, ok := err.(azblob.StorageError); ok && serr.ServiceCode() == azblob.ServiceCodeBlobNotFound {
			return nil, 0, cmn.NewNoRecordError(location)
		}
		return nil, 0, cmn.NewTransportFailureError(err, location)
	}
	body := resp.Body(azblob.RetryReaderOptions{})
	return body, resp.ContentLength(), nil
}
