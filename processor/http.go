package processor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/url"

	"github.com/NVIDIA/resourcedl/cmn"
	"github.com/NVIDIA/resourcedl/resource"
	"github.com/valyala/fasthttp"
)

// HTTPProcessor fetches plain http(s) mirrors using fasthttp, the
// teacher's own high-throughput HTTP client choice (aistore's go.mod
// lists valyala/fasthttp alongside net/http).
type HTTPProcessor struct {
	base
	client *fasthttp.Client
}

func NewHTTPProcessor() *HTTPProcessor {
	return &HTTPProcessor{
		base:   newBase(),
		client: &fasthttp.Client{Name: "resourcedl"},
	}
}

var _ Processor = (*HTTPProcessor)(nil)

func (p *HTTPProcessor) CanProcess(d *resource.Downloadable) bool {
	u, err := url.Parse(d.Mirror.Location)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func (p *HTTPProcessor) Process(d *resource.Downloadable, params resource.StartParams) {
	p.base.process(p, d, params)
}

func (p *HTTPProcessor) EnqueuePending() { p.base.enqueuePending(p) }

// Open implements fetcher.
func (p *HTTPProcessor) Open(ctx context.Context, location string) (io.ReadCloser, int64, error) {
	u, err := url.Parse(location)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, 0, cmn.NewUnsupportedSchemeError(location)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	req.SetRequestURI(location)
	req.Header.SetMethod(fasthttp.MethodGet)

	deadline, hasDeadline := ctx.Deadline()
	var doErr error
	if hasDeadline {
		doErr = p.client.DoDeadline(req, resp, deadline)
	} else {
		doErr = p.client.Do(req, resp)
	}
	if doErr != nil {
		fasthttp.ReleaseResponse(resp)
		return nil, 0, cmn.NewTransportFailureError(doErr, location)
	}

	status := resp.StatusCode()
	if status == 404 {
		fasthttp.ReleaseResponse(resp)
		return nil, 0, cmn.NewNoRecordError(location)
	}
	if status < 200 || status >= 300 {
		fasthttp.ReleaseResponse(resp)
		return nil, 0, cmn.NewTransportFailureError(
			fmt.Errorf("unexpected status %d", status), location)
	}

	body := append([]byte(nil), resp.Body()...)
	total := int64(len(body))
	fasthttp.ReleaseResponse(resp)
	return ioutil.NopCloser(bytes.NewReader(body)), total, nil
}
