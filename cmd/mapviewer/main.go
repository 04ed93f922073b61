// Command mapviewer opens a headless map session against a tile server and
// prints the state of every style layer for the requested view.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"parceltiles/internal/app"
	"parceltiles/internal/config"
	"parceltiles/internal/logger"
	"parceltiles/internal/orchestrator"
)

func main() {
	configPath := flag.String("config", "", "Path to the JSON config file")
	server := flag.String("server", "", "Tile server URL (empty keeps the config value)")
	lat := flag.Float64("lat", app.SeoulLat, "Center latitude")
	lon := flag.Float64("lon", app.SeoulLon, "Center longitude")
	zoom := flag.Float64("zoom", app.DefaultZoom, "Zoom level")
	width := flag.Int("width", app.DefaultWidth, "Viewport width in pixels")
	height := flag.Int("height", app.DefaultHeight, "Viewport height in pixels")
	focus := flag.String("focus", "", "Parcel code to focus on")
	mode := flag.String("mode", "none", "Color mode: none | absolute | change-rate")
	valuesPath := flag.String("values", "", "JSON file of region values: {layer: {code: {price, change_rate}}}")
	flag.Parse()

	log := logger.Setup()

	cfg, err := config.Load(*configPath, ".env")
	if err != nil {
		log.Error("config_error", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *server != "" {
		cfg.Client.ServerURL = *server
	}

	colorMode, err := orchestrator.ParseColorMode(*mode)
	if err != nil {
		log.Error("flag_error", "error", err)
		os.Exit(2)
	}

	var values orchestrator.ValueProvider
	if *valuesPath != "" {
		values, err = loadValues(*valuesPath)
		if err != nil {
			log.Error("values_error", "path", *valuesPath, "error", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := app.New(cfg.Client, app.Options{
		Lat: *lat, Lon: *lon, Zoom: *zoom,
		Width: *width, Height: *height,
		Values: values,
		OnRegion: func(r orchestrator.Region) {
			log.Info("region", "layer", r.Layer, "code", r.Code, "name", r.Name)
		},
		Logger: log,
	})
	if err != nil {
		log.Error("session_error", "error", err)
		os.Exit(1)
	}
	defer s.Close()

	if err := run(ctx, s, colorMode, *focus); err != nil {
		log.Error("session_error", "error", err)
		os.Exit(1)
	}

	c := s.Camera()
	fmt.Printf("center %.5f,%.5f zoom %.2f\n", c.Lat, c.Lon, c.Zoom)
	if r := s.Orchestrator().Region(); r.Code != "" {
		fmt.Printf("region %s %s %s\n", r.Layer, r.Code, r.Name)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LAYER\tSTATE\tVISIBLE\tFEATURES")
	for _, r := range s.Report() {
		fmt.Fprintf(w, "%s\t%s\t%t\t%d\n", r.Layer, r.State, r.Visible, r.Features)
	}
	w.Flush()
}

func run(ctx context.Context, s *app.Session, mode orchestrator.ColorMode, focus string) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	if s.Orchestrator().Forced() {
		fmt.Fprintln(os.Stderr, "warning: renderer never reported ready")
	}
	if err := s.SetColorMode(ctx, mode); err != nil {
		return err
	}
	if focus != "" {
		if err := s.Focus(ctx, focus); err != nil {
			return fmt.Errorf("focus %s: %w", focus, err)
		}
	}
	return nil
}

type regionValue struct {
	Price      float64 `json:"price"`
	ChangeRate float64 `json:"change_rate"`
}

// loadValues reads a static value table; the time window is ignored.
func loadValues(path string) (orchestrator.ValueProvider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]map[string]regionValue
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	table := make(map[string]map[string]orchestrator.Value, len(raw))
	for layer, codes := range raw {
		m := make(map[string]orchestrator.Value, len(codes))
		for code, v := range codes {
			m[code] = orchestrator.Value{Price: v.Price, ChangeRate: v.ChangeRate}
		}
		table[layer] = m
	}
	return func(_ context.Context, layer string, _ orchestrator.Window) (map[string]orchestrator.Value, error) {
		return table[layer], nil
	}, nil
}
