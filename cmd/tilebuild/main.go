// Command tilebuild turns the configured parcel sources into tile archives
// and properties files.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"parceltiles/internal/blobstore"
	"parceltiles/internal/build"
	"parceltiles/internal/config"
	"parceltiles/internal/logger"
)

func main() {
	configPath := flag.String("config", "tilebuild.json", "Path to the JSON config file")
	workers := flag.Int("workers", 0, "Tile encoding workers per source (0 keeps the config value)")
	outputDir := flag.String("out", "", "Output directory (empty keeps the config value)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: tilebuild [flags] [source ...]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	log := logger.Setup()

	cfg, err := config.Load(*configPath, ".env")
	if err != nil {
		log.Error("config_error", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *workers > 0 {
		cfg.Build.Workers = *workers
	}
	if *outputDir != "" {
		cfg.Build.OutputDir = *outputDir
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	publisher, err := blobstore.New(ctx, cfg.Publish)
	if err != nil {
		log.Error("publisher_error", "backend", cfg.Publish.Backend, "error", err)
		os.Exit(1)
	}

	p := build.New(cfg, build.Options{
		Logger:    log,
		Publisher: publisher,
		Progress: func(r build.SourceResult) {
			log.Info("source_done", "source", r.Name, "status", r.Status, "tiles", r.Tiles, "duration", r.Duration)
		},
	})

	report, err := p.Run(ctx, flag.Args())
	if err != nil {
		log.Error("build_error", "error", err)
		os.Exit(1)
	}

	printReport(report)
	if failed := report.Failed(); len(failed) > 0 {
		log.Error("build_failed", "failed", len(failed), "error", report.Err())
		os.Exit(1)
	}
}

func printReport(r *build.Report) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tSTATUS\tPROJECTION\tREAD\tDROPPED\tFEATURES\tTILES\tBYTES\tNOTE")
	for _, s := range r.Sources {
		note := s.Reason
		if s.Err != nil {
			note = s.Err.Error()
		}
		proj := s.Projection
		if s.FellBack {
			proj += " (default)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			s.Name, s.Status, proj, s.Read, s.Dropped, s.Features, s.Tiles, s.Bytes, note)
	}
	w.Flush()
	fmt.Printf("\n%d sources in %s\n", len(r.Sources), r.Duration.Round(time.Millisecond))
}
