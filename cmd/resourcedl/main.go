// resourcedl is a thin CLI façade over the resource manager / download
// queue / cache core, in the style of the teacher's own cmd/cli: a
// urfave/cli.App dispatching to small, focused command handlers, with
// mpb progress bars for long-running operations.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"fmt"
	"os"

	"github.com/NVIDIA/resourcedl/cmn"
	"github.com/golang/glog"
	"github.com/urfave/cli"
)

var (
	version = "0.1.0"
	build   = "HEAD"
)

func main() {
	app := cli.NewApp()
	app.Name = "resourcedl"
	app.Usage = "request, track and cancel resource downloads against the local cache"
	app.Version = fmt.Sprintf("%s (build %s)", version, build)
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to a yaml config file (see cmn.Config)"},
	}
	app.Commands = commands

	defer glog.Flush()
	if err := app.Run(os.Args); err != nil {
		glog.Errorf("resourcedl: %v", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the --config flag (falling back to defaults), the
// same convention cmn.LoadConfig documents for the library itself.
func loadConfig(c *cli.Context) (*cmn.Config, error) {
	return cmn.LoadConfig(c.GlobalString("config"))
}
