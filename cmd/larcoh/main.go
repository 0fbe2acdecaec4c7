// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Larcoh queues the large-cohort genomics workflow.
//
//   larcoh run [-stages=SampleQC,Ancestry] [-wait] config.toml...
//   larcoh stages config.toml...
//
// Config paths listed in $CPG_CONFIG_PATH, comma-separated, are read before
// the ones given on the command line.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"

	"github.com/grailbio/base/cmdutil"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/larcoh/config"
	"github.com/grailbio/larcoh/workflow"
	"v.io/x/lib/cmdline"
)

func load(ctx context.Context, argv []string) (*workflow.Workflow, error) {
	cfg, err := config.Load(config.Paths(argv)...)
	if err != nil {
		return nil, err
	}
	return workflow.New(ctx, cfg)
}

func newCmdRun() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "run",
		Short:    "Queue the jobs of the workflow stages",
		ArgsName: "config.toml...",
		Long: `
Run queues the jobs of every stage whose outputs can't be reused. With the
local query backend the jobs run in-process; otherwise the job graph is
written to <tmp>/plans/<run-id>.json for the cluster scheduler.`,
	}
	stages := cmd.Flags.String("stages", "", "Comma-separated stages to run, with the stages they require. Default: all stages.")
	wait := cmd.Flags.Bool("wait", false, "Block until every output of the processed stages is complete")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()
		w, err := load(ctx, argv)
		if err != nil {
			return err
		}
		res, err := w.Execute(ctx, *wait, workflow.ParseStages(*stages)...)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.Stdout, "run %s: %d jobs submitted, %d stages reused\n", w.Run.ID, res.Jobs, len(res.Reused))
		return nil
	})
	return cmd
}

func newCmdStages() *cmdline.Command {
	cmd := &cmdline.Command{
		Name:     "stages",
		Short:    "Print the stage order, expected outputs and their reuse status",
		ArgsName: "config.toml...",
	}
	stages := cmd.Flags.String("stages", "", "Comma-separated stages to show, with the stages they require. Default: all stages.")
	cmd.Runner = cmdutil.RunnerFunc(func(env *cmdline.Env, argv []string) error {
		ctx := context.Background()
		w, err := load(ctx, argv)
		if err != nil {
			return err
		}
		status, err := w.Status(ctx, workflow.ParseStages(*stages)...)
		if err != nil {
			return err
		}
		out := tsv.NewWriter(env.Stdout)
		for _, col := range []string{"stage", "output", "complete", "reusable", "path"} {
			out.WriteString(col)
		}
		if err := out.EndLine(); err != nil {
			return err
		}
		for _, st := range status {
			out.WriteString(string(st.Stage))
			out.WriteString(string(st.Output))
			out.WriteString(strconv.FormatBool(st.Complete))
			out.WriteString(strconv.FormatBool(st.Reusable))
			out.WriteString(st.Path)
			if err := out.EndLine(); err != nil {
				return err
			}
		}
		return out.Flush()
	})
	return cmd
}

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds | log.Lshortfile)
	cmdline.HideGlobalFlagsExcept()
	cmdline.Main(&cmdline.Command{
		Name:     "larcoh",
		Short:    "Large-cohort genomics workflow",
		LookPath: false,
		Children: []*cmdline.Command{
			newCmdRun(),
			newCmdStages(),
		},
	})
}
