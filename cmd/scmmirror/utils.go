package main

import (
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/openmined/scmmirror/internal/changelog"
	"github.com/openmined/scmmirror/internal/checkout"
	"github.com/openmined/scmmirror/internal/mirror"
)

var (
	red   = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
)

var kindOrder = []changelog.Kind{
	changelog.KindAdded,
	changelog.KindChange,
	changelog.KindRollback,
	changelog.KindRemoved,
	changelog.KindDirty,
}

func printReport(w io.Writer, report *mirror.Report) {
	if report.Succeeded() {
		fmt.Fprintln(w, green("sync complete"))
	} else {
		fmt.Fprintln(w, red("sync failed"), gray("in phase "+report.Phase.String()))
	}

	mode := "checkpoint"
	if !report.ComparisonAvailable {
		mode = "local comparison"
	}
	fmt.Fprintf(w, "  %-10s %s\n", "run", report.RunID)
	fmt.Fprintf(w, "  %-10s %s\n", "mode", mode)

	counts := changelog.Counts(report.Changes)
	for _, kind := range kindOrder {
		if n := counts[kind]; n > 0 {
			fmt.Fprintf(w, "  %-10s %s\n", kind, cyan(humanize.Comma(int64(n))))
		}
	}
	fmt.Fprintf(w, "  %-10s %d\n", "fetched", len(report.Fetched))
	fmt.Fprintf(w, "  %-10s %d\n", "deleted", len(report.Deleted))
	if len(report.Failed) > 0 {
		fmt.Fprintf(w, "  %-10s %s\n", "failed", red(len(report.Failed)))
		paths := make([]string, 0, len(report.Failed))
		for path := range report.Failed {
			paths = append(paths, path)
		}
		slices.Sort(paths)
		for _, path := range paths {
			fmt.Fprintf(w, "    %s %s\n", path, gray(report.Failed[path]))
		}
	}
	fmt.Fprintf(w, "  %-10s %s\n", "took", report.Duration.Round(time.Millisecond))
}

// printProgress drains the sink until it is closed.
func printProgress(w io.Writer, sink *checkout.ChannelSink) {
	for p := range sink.C() {
		fmt.Fprintf(w, "%s %3.0f%% %s/%s %s\n",
			cyan("fetch"), p.Percent, humanize.Comma(int64(p.Completed)), humanize.Comma(int64(p.Total)), gray(p.LastPath))
	}
}
