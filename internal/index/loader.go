package index

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	kerrors "github.com/kos-kit/kos-kit-server/internal/errors"
	"github.com/kos-kit/kos-kit-server/internal/rdf"
)

// parseConcurrency bounds concurrent dump file parsing.
const parseConcurrency = 4

// LoadReport summarizes a completed bulk load.
type LoadReport struct {
	Files    int           `json:"files"`
	Triples  int           `json:"triples"`
	Subjects int           `json:"subjects"`
	Revision uint64        `json:"revision"`
	Duration time.Duration `json:"duration"`
}

// Loader performs the startup bulk load: N-Triples dumps into the store,
// followed by one full rebuild instead of millions of incremental syncs.
type Loader struct {
	coord     *Coordinator
	batchSize int
	logger    *slog.Logger
}

// NewLoader wires a Loader onto the coordinator's store and index.
func NewLoader(coord *Coordinator, batchSize int, logger *slog.Logger) *Loader {
	if batchSize <= 0 {
		batchSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{coord: coord, batchSize: batchSize, logger: logger}
}

// LoadInit loads the dump at path, a single file or a directory of files.
// Plain and gzip-compressed N-Triples are accepted.
//
// The load is all-or-nothing. Every file is parsed completely before the
// first triple reaches the store; a parse error anywhere aborts with the
// store untouched. A store write failure mid-load resets the store so a
// half-loaded state is never served.
//
// Loading into a non-empty store is rejected unless reset is set, in which
// case both store and index are cleared first.
func (l *Loader) LoadInit(ctx context.Context, path string, reset bool) (*LoadReport, error) {
	start := time.Now()

	files, err := collectDumpFiles(path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, kerrors.New(kerrors.ErrCodeParse,
			fmt.Sprintf("no N-Triples files found at %s", path), nil)
	}

	empty, err := l.coord.store.IsEmpty(ctx)
	if err != nil {
		return nil, err
	}
	if !empty {
		if !reset {
			return nil, kerrors.New(kerrors.ErrCodeStoreNotEmpty,
				"refusing to bulk load into a non-empty store; use --reset to replace it", nil)
		}
		if err := l.coord.store.Reset(ctx); err != nil {
			return nil, err
		}
		if err := l.coord.index.Reset(ctx); err != nil {
			return nil, kerrors.IndexError("failed to reset index before load", err)
		}
	}

	parsed := make([][]rdf.Triple, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parseConcurrency)
	for i, file := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			triples, err := parseDumpFile(file)
			if err != nil {
				return err
			}
			parsed[i] = triples
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	subjects := make(map[string]struct{})
	for fi, triples := range parsed {
		for start := 0; start < len(triples); start += l.batchSize {
			end := min(start+l.batchSize, len(triples))
			if _, err := l.coord.store.Mutate(ctx, triples[start:end], nil); err != nil {
				if rerr := l.coord.store.Reset(ctx); rerr != nil {
					l.logger.Error("load_abort_reset_failed", "error", rerr)
				}
				return nil, err
			}
		}
		for _, t := range triples {
			subjects[t.Subject] = struct{}{}
		}
		total += len(triples)
		l.logger.Info("dump_file_loaded",
			"file", files[fi],
			"triples", len(triples))
	}

	if err := l.coord.RebuildAll(ctx, l.batchSize); err != nil {
		return nil, err
	}

	rev, err := l.coord.store.Revision(ctx)
	if err != nil {
		return nil, err
	}
	report := &LoadReport{
		Files:    len(files),
		Triples:  total,
		Subjects: len(subjects),
		Revision: rev,
		Duration: time.Since(start),
	}
	l.logger.Info("bulk_load_complete",
		"files", report.Files,
		"triples", report.Triples,
		"subjects", report.Subjects,
		"revision", report.Revision,
		"duration_ms", report.Duration.Milliseconds())
	return report, nil
}

// ApplyFile parses one dump file and applies it incrementally through the
// coordinator. Used by watch mode, where a new file is a delta, not a
// replacement.
func (l *Loader) ApplyFile(ctx context.Context, path string) (int, error) {
	triples, err := parseDumpFile(path)
	if err != nil {
		return 0, err
	}
	for start := 0; start < len(triples); start += l.batchSize {
		end := min(start+l.batchSize, len(triples))
		if _, err := l.coord.Apply(ctx, triples[start:end], nil); err != nil {
			return 0, err
		}
	}
	return len(triples), nil
}

// collectDumpFiles resolves path to the ordered list of dump files.
func collectDumpFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, kerrors.New(kerrors.ErrCodeParse,
			fmt.Sprintf("init path %s: %v", path, err), err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, kerrors.New(kerrors.ErrCodeParse,
			fmt.Sprintf("failed to read init directory %s", path), err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if isDumpFile(entry.Name()) {
			files = append(files, filepath.Join(path, entry.Name()))
		}
	}
	// Deterministic load order.
	sort.Strings(files)
	return files, nil
}

func isDumpFile(name string) bool {
	return strings.HasSuffix(name, ".nt") || strings.HasSuffix(name, ".nt.gz")
}

// parseDumpFile parses one N-Triples file, transparently decompressing .gz.
// Any syntax error aborts the whole file.
func parseDumpFile(path string) ([]rdf.Triple, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kerrors.New(kerrors.ErrCodeParse,
			fmt.Sprintf("failed to open %s", path), err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, kerrors.New(kerrors.ErrCodeParse,
				fmt.Sprintf("failed to decompress %s", path), err)
		}
		defer gz.Close()
		r = gz
	}

	triples, err := rdf.ParseNTriples(r)
	if err != nil {
		return nil, kerrors.New(kerrors.ErrCodeParse,
			fmt.Sprintf("%s: %v", path, err), err)
	}
	return triples, nil
}
