// Package build runs sources through projection, transformation, tiling and
// archiving, and writes the output tree the tile server reads.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"parceltiles/internal/archive"
	"parceltiles/internal/blobstore"
	"parceltiles/internal/config"
	"parceltiles/internal/logger"
	"parceltiles/internal/metrics"
	"parceltiles/internal/projection"
	"parceltiles/internal/propstore"
	"parceltiles/internal/source"
	"parceltiles/internal/tileindex"
	"parceltiles/internal/transform"
	"parceltiles/internal/vectortile"
)

// Options configures a Pipeline.
type Options struct {
	Logger *slog.Logger

	// Resolver defaults to one over projection.DefaultRegistry.
	Resolver *projection.Resolver

	// Publisher receives the archives and properties files of successful
	// sources. Nil disables publishing.
	Publisher blobstore.Store

	// Progress is called once per source as it finishes.
	Progress func(SourceResult)
}

// Pipeline builds the configured sources.
type Pipeline struct {
	cfg       *config.Config
	log       *slog.Logger
	resolver  *projection.Resolver
	publisher blobstore.Store
	progress  func(SourceResult)
}

// New returns a pipeline over cfg.
func New(cfg *config.Config, opts Options) *Pipeline {
	r := opts.Resolver
	if r == nil {
		r = projection.NewResolver(projection.DefaultRegistry())
	}
	return &Pipeline{
		cfg:       cfg,
		log:       logger.Or(opts.Logger),
		resolver:  r,
		publisher: opts.Publisher,
		progress:  opts.Progress,
	}
}

// Run builds the named sources, or all of them when names is empty. A
// failing source does not stop the others; the report carries every
// outcome. The returned error is only set when the run could not start.
func (p *Pipeline) Run(ctx context.Context, names []string) (*Report, error) {
	selected, err := p.selectSources(names)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	report := &Report{Sources: make([]SourceResult, len(selected))}

	var db *propstore.Store
	if p.cfg.Build.WriteSQLite {
		db, err = propstore.Open(filepath.Join(p.cfg.Build.OutputDir, PropertiesDir, PropertiesDB))
		if err != nil {
			return nil, fmt.Errorf("build: %w", err)
		}
		defer db.Close()
	}

	p.log.Info("build_start", "sources", len(selected), "source_workers", p.cfg.Build.SourceWorkers,
		"workers", p.cfg.Build.Workers)

	sem := semaphore.NewWeighted(int64(max(p.cfg.Build.SourceWorkers, 1)))
	var g errgroup.Group
	var mu sync.Mutex

	for i, sc := range selected {
		g.Go(func() error {
			var res SourceResult
			if err := sem.Acquire(ctx, 1); err != nil {
				res = p.failed(sc, StageSelect, err, time.Now())
			} else {
				res = p.buildSource(ctx, sc, db)
				sem.Release(1)
			}

			mu.Lock()
			report.Sources[i] = res
			mu.Unlock()
			if p.progress != nil {
				p.progress(res)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(start)
	p.log.Info("build_done", "sources", len(selected), "failed", len(report.Failed()),
		"duration", report.Duration)
	return report, nil
}

func (p *Pipeline) selectSources(names []string) ([]config.SourceConfig, error) {
	if len(names) == 0 {
		return p.cfg.Sources, nil
	}
	var out []config.SourceConfig
	var errs []error
	seen := make(map[string]bool)
	for _, n := range names {
		sc, ok := p.cfg.Source(n)
		if !ok {
			errs = append(errs, fmt.Errorf("build: unknown source %q", n))
			continue
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, sc)
		}
	}
	return out, errors.Join(errs...)
}

func (p *Pipeline) failed(sc config.SourceConfig, stage string, err error, start time.Time) SourceResult {
	se := &SourceError{Source: sc.Name, Stage: stage, Err: err}
	metrics.SourceFailuresTotal.WithLabelValues(sc.Name, stage).Inc()
	p.log.Error("source_build_failed", "source", sc.Name, "stage", stage, "error", err)
	return SourceResult{
		Name:     sc.Name,
		Layer:    sc.LayerName(),
		Status:   StatusFailed,
		Duration: time.Since(start),
		Err:      se,
	}
}

// buildSource runs one source end to end. Outputs are only replaced when
// every stage up to the commit succeeds.
func (p *Pipeline) buildSource(ctx context.Context, sc config.SourceConfig, db *propstore.Store) SourceResult {
	start := time.Now()
	log := p.log.With("source", sc.Name)

	if sc.Disabled {
		log.Info("source_skipped", "reason", "disabled")
		return SourceResult{Name: sc.Name, Layer: sc.LayerName(), Status: StatusSkipped, Reason: "disabled"}
	}

	log.Info("source_build_start", "path", sc.Path)
	res := SourceResult{Name: sc.Name, Layer: sc.LayerName()}
	stage, err := p.runSource(ctx, sc, db, log, &res)
	if err != nil {
		failed := p.failed(sc, stage, err, start)
		failed.Projection, failed.FellBack = res.Projection, res.FellBack
		failed.Read, failed.Filtered, failed.Dropped = res.Read, res.Filtered, res.Dropped
		return failed
	}

	res.Duration = time.Since(start)
	metrics.SourceDurationSeconds.WithLabelValues(sc.Name).Observe(res.Duration.Seconds())
	if res.Status == StatusSkipped {
		log.Warn("source_skipped", "reason", res.Reason, "duration", res.Duration)
		return res
	}
	res.Status = StatusOK
	log.Info("source_build_done", "features", res.Features, "tiles", res.Tiles,
		"bytes", res.Bytes, "duration", res.Duration)
	return res
}

// runSource returns the failing stage with its error.
func (p *Pipeline) runSource(ctx context.Context, sc config.SourceConfig, db *propstore.Store, log *slog.Logger, res *SourceResult) (string, error) {
	b := p.cfg.Build

	ds, err := source.Read(sc.Path, source.Options{Codepage: sc.Codepage, Logger: log})
	if err != nil {
		return StageRead, err
	}
	res.Read = len(ds.Features)
	metrics.FeaturesReadTotal.WithLabelValues(sc.Name).Add(float64(len(ds.Features)))
	if ds.Skipped > 0 {
		log.Warn("source_records_skipped", "count", ds.Skipped)
	}

	def, fellBack, err := p.resolver.DetectOrDefault(ds.Descriptor, sc.DefaultProjection)
	if err != nil {
		return StageProjection, err
	}
	res.Projection, res.FellBack = def.Code, fellBack
	if fellBack {
		log.Warn("projection_fallback", "default", def.Code)
	} else {
		log.Debug("projection_detected", "projection", def.String())
	}
	proj, err := projection.NewTransformer(def)
	if err != nil {
		return StageProjection, err
	}

	policy, err := transform.ParsePolicy(b.FailurePolicy)
	if err != nil {
		return StageTransform, err
	}
	tr := transform.New(transformSpec(sc, b.Precision), proj, policy)
	result, err := tr.Apply(ds.Features)
	if err != nil {
		return StageTransform, err
	}
	res.Filtered, res.Dropped, res.Features = result.Filtered, result.Dropped, len(result.Features)
	metrics.FeaturesFilteredTotal.WithLabelValues(sc.Name).Add(float64(result.Filtered))
	metrics.FeaturesDroppedTotal.WithLabelValues(sc.Name).Add(float64(result.Dropped))
	for _, e := range result.DropErrors {
		log.Warn("feature_dropped", "error", e)
	}
	if len(result.Features) == 0 {
		res.Status, res.Reason = StatusSkipped, "no features after filtering"
		return "", nil
	}

	minZoom, maxZoom := sc.ZoomRange(b)
	ix, err := tileindex.Build(ctx, result.Features, tileindex.Options{
		MinZoom:   minZoom,
		MaxZoom:   maxZoom,
		Extent:    b.Extent,
		Buffer:    b.Buffer,
		Tolerance: b.Tolerance,
		Workers:   b.Workers,
	})
	if err != nil {
		return StageIndex, err
	}

	internal, err := archive.ParseCompression(b.InternalCompression)
	if err != nil {
		return StageArchive, err
	}
	w := archive.NewWriter(archive.WriterOptions{InternalCompression: internal})
	empty, err := p.encode(ctx, ix, w)
	if err != nil {
		return StageEncode, err
	}
	res.Tiles, res.EmptyTiles = w.Len(), empty
	metrics.TilesEncodedTotal.WithLabelValues(sc.Name).Add(float64(w.Len()))
	if w.Len() == 0 {
		res.Status, res.Reason = StatusSkipped, "no tiles"
		return "", nil
	}

	var pending pendingSet
	stage, err := p.writeOutputs(&pending, sc, ix, w, result.Features, res)
	if err != nil {
		pending.abort()
		return stage, err
	}
	if err := pending.commit(); err != nil {
		return StageWrite, err
	}
	metrics.ArchiveBytesTotal.WithLabelValues(sc.Name).Add(float64(res.Bytes))

	if db != nil {
		if err := db.Put(ctx, sc.Name, result.Features); err != nil {
			return StageWrite, err
		}
	}

	if p.publisher != nil {
		if err := p.publish(ctx, res.Outputs); err != nil {
			return StagePublish, err
		}
		log.Info("source_published", "files", len(res.Outputs))
	}
	return "", nil
}

// encode compresses every indexed tile into w, Workers at a time, and
// returns the number of tiles that had nothing left after clipping.
func (p *Pipeline) encode(ctx context.Context, ix *tileindex.Index, w *archive.Writer) (int, error) {
	enc := vectortile.NewEncoder(p.cfg.Build.Extent, p.cfg.Build.Buffer)
	var empty atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.cfg.Build.Workers, 1))
	for _, t := range ix.Tiles() {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			et, err := enc.Encode(t)
			if errors.Is(err, vectortile.ErrEmptyTile) {
				empty.Add(1)
				return nil
			}
			if err != nil {
				return fmt.Errorf("tile %s: %w", t.Coord, err)
			}
			return w.AddTile(et.Coord, et.Data)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return int(empty.Load()), nil
}

// writeOutputs writes the intermediate GeoJSON, the archive and the
// properties file as pending files.
func (p *Pipeline) writeOutputs(pending *pendingSet, sc config.SourceConfig, ix *tileindex.Index, w *archive.Writer,
	features []*transform.Feature, res *SourceResult) (string, error) {
	out := p.cfg.Build.OutputDir

	tmpRel := path.Join(TmpDir, IntermediateName(sc.Name))
	tf, err := pending.create(filepath.Join(out, filepath.FromSlash(tmpRel)))
	if err != nil {
		return StageWrite, err
	}
	gfs := make([]*geojson.Feature, 0, len(features))
	for _, f := range features {
		gfs = append(gfs, f.GeoJSON())
	}
	if err := source.WriteGeoJSON(tf, gfs); err != nil {
		return StageWrite, err
	}

	tilesRel := path.Join(TilesDir, ArchiveName(sc.Name))
	af, err := pending.create(filepath.Join(out, filepath.FromSlash(tilesRel)))
	if err != nil {
		return StageArchive, err
	}
	h, err := w.Finalize(af, archiveMetadata(sc, ix, len(features)))
	if err != nil {
		return StageArchive, err
	}
	res.Bytes = int64(h.TileDataOffset + h.TileDataLength)

	propsRel := path.Join(PropertiesDir, PropertiesName(sc.Name))
	pf, err := pending.create(filepath.Join(out, filepath.FromSlash(propsRel)))
	if err != nil {
		return StageWrite, err
	}
	if err := propstore.WriteJSON(pf, features); err != nil {
		return StageWrite, err
	}

	res.Outputs = []string{tmpRel, tilesRel, propsRel}
	return "", nil
}

// publish uploads the archive and properties of a source. The
// intermediate GeoJSON stays local.
func (p *Pipeline) publish(ctx context.Context, outputs []string) error {
	for _, rel := range outputs {
		if path.Dir(rel) == TmpDir {
			continue
		}
		file := filepath.Join(p.cfg.Build.OutputDir, filepath.FromSlash(rel))
		if err := blobstore.PutFile(ctx, p.publisher, rel, file); err != nil {
			return err
		}
	}
	return nil
}

func archiveMetadata(sc config.SourceConfig, ix *tileindex.Index, features int) archive.Metadata {
	meta := archive.Metadata{
		Name:         sc.Name,
		Description:  fmt.Sprintf("%s tiles built from %s", sc.LayerName(), filepath.Base(sc.Path)),
		Type:         "overlay",
		FeatureCount: features,
	}
	for _, l := range ix.Layers() {
		meta.VectorLayers = append(meta.VectorLayers, archive.VectorLayer{
			ID:      l.Name,
			MinZoom: l.MinZoom,
			MaxZoom: l.MaxZoom,
			Fields:  l.Fields,
		})
	}
	return meta
}

func transformSpec(sc config.SourceConfig, precision float64) transform.Spec {
	spec := transform.Spec{
		Layer:       sc.LayerName(),
		Predicate:   transform.NewPredicate(sc.Region, sc.RegionFields),
		Keep:        sc.Keep,
		Rename:      sc.Rename,
		IDField:     sc.IDField,
		ParentField: sc.ParentField,
		Precision:   precision,
	}
	for _, d := range sc.Derived {
		spec.Derived = append(spec.Derived, transform.Derived{
			Name:   d.Name,
			From:   d.From,
			Kind:   d.Kind,
			Start:  d.Start,
			Length: d.Length,
		})
	}
	return spec
}
