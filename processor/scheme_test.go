package processor_test

import (
	"testing"

	"github.com/NVIDIA/resourcedl/processor"
	"github.com/NVIDIA/resourcedl/resource"
	"github.com/aws/aws-sdk-go/aws/session"
)

func downloadableAt(location string) *resource.Downloadable {
	return resource.NewDownloadable("r", resource.FileMirror{ID: "m0", Location: location}, resource.PriorityNormal)
}

func TestCanProcessSchemeMatching(t *testing.T) {
	sess := session.Must(session.NewSession())

	cases := []struct {
		name      string
		proc      processor.Processor
		matches   []string
		rejects   []string
	}{
		{
			name:    "http",
			proc:    processor.NewHTTPProcessor(),
			matches: []string{"http://example.com/f", "https://example.com/f"},
			rejects: []string{"s3://bucket/key", "gs://bucket/object", "not-a-url"},
		},
		{
			name:    "s3",
			proc:    processor.NewS3Processor(sess),
			matches: []string{"s3://bucket/key"},
			rejects: []string{"http://example.com/f", "gs://bucket/object"},
		},
		{
			name:    "gcs",
			proc:    processor.NewGCSProcessor(nil),
			matches: []string{"gs://bucket/object"},
			rejects: []string{"s3://bucket/key", "http://example.com/f"},
		},
		{
			name:    "azure",
			proc:    processor.NewAzureProcessor(nil),
			matches: []string{"https://myaccount.blob.core.windows.net/container/blob"},
			rejects: []string{"http://example.com/f", "s3://bucket/key"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, loc := range tc.matches {
				if !tc.proc.CanProcess(downloadableAt(loc)) {
					t.Errorf("%s: expected to handle %q", tc.name, loc)
				}
			}
			for _, loc := range tc.rejects {
				if tc.proc.CanProcess(downloadableAt(loc)) {
					t.Errorf("%s: did not expect to handle %q", tc.name, loc)
				}
			}
		})
	}
}
