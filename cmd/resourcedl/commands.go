package main

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"cloud.google.com/go/storage"
	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/NVIDIA/resourcedl/cache"
	"github.com/NVIDIA/resourcedl/cmn"
	"github.com/NVIDIA/resourcedl/manager"
	"github.com/NVIDIA/resourcedl/processor"
	"github.com/NVIDIA/resourcedl/queue"
	"github.com/NVIDIA/resourcedl/resource"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/golang/glog"
	"github.com/urfave/cli"
	"github.com/vbauerster/mpb/v4"
	"github.com/vbauerster/mpb/v4/decor"
	"gopkg.in/yaml.v2"
)

const progressBarWidth = 64

var (
	resourcesFileFlag = cli.StringFlag{Name: "resources", Usage: "path to a yaml file listing resources to request"}
	idFlag            = cli.StringFlag{Name: "id", Usage: "resource-id"}
	nFlag             = cli.IntFlag{Name: "n", Usage: "new simultaneousDownloads ceiling"}

	commands = []cli.Command{
		{
			Name:      "request",
			Usage:     "admit every resource listed in --resources",
			ArgsUsage: " ",
			Flags:     []cli.Flag{resourcesFileFlag},
			Action:    requestHandler,
		},
		{
			Name:      "status",
			Usage:     "print queue/manager metrics and in-flight downloads",
			ArgsUsage: " ",
			Action:    statusHandler,
		},
		{
			Name:      "cancel",
			Usage:     "cancel a single resource-id, or every live download with --id omitted",
			ArgsUsage: " ",
			Flags:     []cli.Flag{idFlag},
			Action:    cancelHandler,
		},
		{
			Name:      "set-concurrency",
			Usage:     "apply a new simultaneousDownloads ceiling",
			ArgsUsage: " ",
			Flags:     []cli.Flag{nFlag},
			Action:    setConcurrencyHandler,
		},
	}
)

// resourceSpec is the on-disk yaml shape accepted by --resources; it
// mirrors resource.Resource/FileMirror/RequestOptions so the façade can
// stay a thin translation layer. The whole file is submitted as one
// Request, so priority and storage are read from the first entry only
// and apply to every resource in the file.
type resourceSpec struct {
	ID           string       `yaml:"id"`
	FileURL      string       `yaml:"file_url"`
	Main         mirrorSpec   `yaml:"main"`
	Alternatives []mirrorSpec `yaml:"alternatives"`
	Priority     string       `yaml:"priority"`
	Storage      string       `yaml:"storage"`
}

type mirrorSpec struct {
	ID       string `yaml:"id"`
	Location string `yaml:"location"`
	Weight   int    `yaml:"weight"`
}

func (m mirrorSpec) toFileMirror() resource.FileMirror {
	return resource.FileMirror{
		ID:       m.ID,
		Location: m.Location,
		Info:     map[string]interface{}{"weight": m.Weight},
	}
}

func parseDownloadPriority(s string) resource.DownloadPriority {
	switch s {
	case "high":
		return resource.PriorityHigh
	case "low":
		return resource.PriorityLow
	default:
		return resource.PriorityNormal
	}
}

func parseStoragePriority(s string) resource.StoragePriority {
	if s == "permanent" {
		return resource.StoragePermanent
	}
	return resource.StorageCached
}

// engine bundles the wired-up core the façade drives; built fresh per
// invocation since the CLI is a one-shot process, not a daemon.
type engine struct {
	cfg *cmn.Config
	idx cache.Index
	mgr *manager.Manager
}

func buildEngine(c *cli.Context) (*engine, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	idx, err := cache.NewBuntIndex(cfg.Cache.IndexPath)
	if err != nil {
		return nil, cmn.Wrap(err, "open cache index")
	}
	mem, err := cache.NewMemoryCache(idx, 0)
	if err != nil {
		return nil, cmn.Wrap(err, "init memory cache")
	}

	q := queue.NewQueue(cfg.Cache.Dir, cfg.Downloader.SimultaneousDownloads)
	mgr := manager.New(cfg.Cache.Dir, idx, mem, q, cfg.Downloader.NumberOfRetries)
	mgr.AddProcessor(processor.NewHTTPProcessor())
	registerCloudProcessors(mgr)

	return &engine{cfg: cfg, idx: idx, mgr: mgr}, nil
}

// registerCloudProcessors wires in the cloud-object processors whose
// SDKs can find credentials in the ambient environment, skipping any
// that can't - the façade never fails to start for lack of cloud
// credentials, it just won't be able to canProcess those mirrors.
func registerCloudProcessors(mgr *manager.Manager) {
	if os.Getenv("AWS_ACCESS_KEY_ID") != "" || os.Getenv("AWS_PROFILE") != "" {
		sess, err := session.NewSessionWithOptions(session.Options{SharedConfigState: session.SharedConfigEnable})
		if err != nil {
			glog.Warningf("resourcedl: skipping s3 processor: %v", err)
		} else {
			mgr.AddProcessor(processor.NewS3Processor(sess))
		}
	}

	if os.Getenv("GOOGLE_APPLICATION_CREDENTIALS") != "" {
		client, err := storage.NewClient(context.Background())
		if err != nil {
			glog.Warningf("resourcedl: skipping gcs processor: %v", err)
		} else {
			mgr.AddProcessor(processor.NewGCSProcessor(client))
		}
	}

	account, key := os.Getenv("AZURE_STORAGE_ACCOUNT"), os.Getenv("AZURE_STORAGE_KEY")
	if account != "" && key != "" {
		cred, err := azblob.NewSharedKeyCredential(account, key)
		if err != nil {
			glog.Warningf("resourcedl: skipping azure processor: %v", err)
		} else {
			mgr.AddProcessor(processor.NewAzureProcessor(cred))
		}
	}
}

func requestHandler(c *cli.Context) error {
	path := c.String(resourcesFileFlag.Name)
	if path == "" {
		return cli.NewExitError("missing --resources", 1)
	}
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	var specs []resourceSpec
	if err := yaml.Unmarshal(raw, &specs); err != nil {
		return cmn.Wrap(err, "parse %q", path)
	}

	eng, err := buildEngine(c)
	if err != nil {
		return err
	}
	defer eng.idx.Close()

	resources := make([]resource.Resource, 0, len(specs))
	for _, s := range specs {
		alts := make([]resource.FileMirror, 0, len(s.Alternatives))
		for _, a := range s.Alternatives {
			alts = append(alts, a.toFileMirror())
		}
		resources = append(resources, resource.Resource{
			ID:           s.ID,
			Main:         s.Main.toFileMirror(),
			Alternatives: alts,
			FileURL:      s.FileURL,
		})
	}

	opts := resource.RequestOptions{}
	if len(specs) > 0 {
		opts.DownloadPriority = parseDownloadPriority(specs[0].Priority)
		opts.StoragePriority = parseStoragePriority(specs[0].Storage)
	}

	requests := eng.mgr.Request(resources, opts)
	fmt.Fprintf(c.App.Writer, "admitted %d/%d resources\n", len(requests), len(resources))

	progress := mpb.New(mpb.WithWidth(progressBarWidth))
	bars := make(map[string]*mpb.Bar, len(requests))
	done := make(chan string, len(requests))
	for _, req := range requests {
		name := req.ResourceID
		bars[name] = progress.AddBar(100,
			mpb.PrependDecorators(decor.Name(name, decor.WC{W: len(name) + 2, C: decor.DSyncWidthR})),
			mpb.AppendDecorators(decor.Percentage(decor.WCSyncWidth)),
		)
		eng.mgr.AddResourceCompletion(name, func(success bool, id string) {
			if bar := bars[id]; bar != nil {
				bar.SetTotal(100, true)
			}
			done <- id
		})
	}
waitLoop:
	for range requests {
		select {
		case <-done:
		case <-time.After(2 * time.Minute):
			break waitLoop
		}
	}
	progress.Wait()
	return nil
}

func statusHandler(c *cli.Context) error {
	eng, err := buildEngine(c)
	if err != nil {
		return err
	}
	defer eng.idx.Close()

	m := eng.mgr.Metrics()
	fmt.Fprintf(c.App.Writer, "requested=%d began=%d completed=%d failed=%d processed=%d\n",
		m.Requested, m.DownloadBegan, m.DownloadCompleted, m.Failed, m.Processed())
	fmt.Fprintf(c.App.Writer, "current=%d queued=%d\n", eng.mgr.CurrentDownloadCount(), eng.mgr.QueuedDownloadCount())
	for _, t := range eng.mgr.Downloads() {
		fmt.Fprintf(c.App.Writer, "  %s\t%s\n", t.ResourceID, t.State())
	}
	return nil
}

func cancelHandler(c *cli.Context) error {
	eng, err := buildEngine(c)
	if err != nil {
		return err
	}
	defer eng.idx.Close()

	if id := c.String(idFlag.Name); id != "" {
		eng.mgr.Cancel(id)
		fmt.Fprintf(c.App.Writer, "cancelled %q\n", id)
		return nil
	}
	eng.mgr.CancelAll()
	fmt.Fprintln(c.App.Writer, "cancelled all live downloads")
	return nil
}

func setConcurrencyHandler(c *cli.Context) error {
	eng, err := buildEngine(c)
	if err != nil {
		return err
	}
	defer eng.idx.Close()

	n := c.Int(nFlag.Name)
	eng.mgr.SetSimultaneousDownloads(n)
	fmt.Fprintf(c.App.Writer, "simultaneousDownloads set to %d\n", n)
	return nil
}
