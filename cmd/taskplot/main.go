// Command taskplot turns a task log into a timeline CSV with one row per
// executed task, its start and end in milliseconds from the start of its
// step, ready for a Gantt plot per runner. It also prints how busy every
// runner was.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/gocarina/gocsv"

	"github.com/pthm-cable/sphtasks/telemetry"
)

func main() {
	dbPath := flag.String("db", "", "Task log database (required)")
	runID := flag.String("run", "", "Run id (empty = latest run)")
	step := flag.Int("step", -1, "Step to plot (-1 = every step)")
	outPath := flag.String("o", "", "Output CSV (empty = stdout)")
	flag.Parse()

	if *dbPath == "" {
		log.Fatal("--db is required")
	}
	if _, err := os.Stat(*dbPath); err != nil {
		log.Fatalf("task log: %v", err)
	}

	ctx := context.Background()
	r, err := telemetry.OpenTaskLogReader(*dbPath)
	if err != nil {
		log.Fatalf("failed to open task log: %v", err)
	}
	defer r.Close()

	id := *runID
	if id == "" {
		if id, err = r.LatestRun(ctx); err != nil {
			log.Fatalf("%v", err)
		}
	}
	rows, err := r.Tasks(ctx, id, *step)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if len(rows) == 0 {
		log.Fatalf("run %s has no recorded tasks", id)
	}

	var out io.Writer = os.Stdout
	summary := os.Stderr
	if *outPath != "" {
		f, err := os.Create(*outPath)
		if err != nil {
			log.Fatalf("failed to create output: %v", err)
		}
		defer f.Close()
		out = f
		summary = os.Stdout
	}

	tl := Timeline(rows)
	if err := gocsv.Marshal(tl, out); err != nil {
		log.Fatalf("failed to write timeline: %v", err)
	}
	fmt.Fprintf(summary, "run %s: %d tasks\n", id, len(tl))
	for _, u := range Utilisation(tl) {
		fmt.Fprintf(summary, "  rank %d runner %2d: %6d tasks, busy %5.1f%% of %.3f ms\n",
			u.Rank, u.Runner, u.Tasks, 100*u.Busy, u.SpanMS)
	}
}
