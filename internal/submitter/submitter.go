// Copyright 2025 James Ross

// Package submitter watches a directory for batch-file JSONL drops and
// ingests each into storage as a File plus its RequestTemplates,
// materializing a Batch immediately. It is the file-interchange system
// boundary: nothing else in this module reads from disk.
package submitter

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/doublewordai/batcherd/internal/config"
	"github.com/doublewordai/batcherd/internal/fileset"
	"github.com/doublewordai/batcherd/internal/obs"
	"github.com/doublewordai/batcherd/internal/storage"
)

// ingestedSuffix marks a file as already processed so a later scan skips it.
const ingestedSuffix = ".ingested"

// line is the wire shape of one JSONL record in a batch input file, per
// spec.md §6. Most lines are request templates (endpoint/method/path/...);
// a stream may also interleave file-level metadata items, distinguished by
// the presence of filename (no template line ever sets it).
type line struct {
	Endpoint string `json:"endpoint"`
	Method   string `json:"method"`
	Path     string `json:"path"`
	Body     string `json:"body"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key"`
	CustomID string `json:"custom_id"`

	Filename            *string `json:"filename"`
	Purpose             *string `json:"purpose"`
	UploadedBy          *string `json:"uploaded_by"`
	SizeBytes           *int64  `json:"size_bytes"`
	ExpiresAfterAnchor  *string `json:"expires_after_anchor"`
	ExpiresAfterSeconds *int64  `json:"expires_after_seconds"`
}

// isMeta reports whether this line is a file-level metadata item rather
// than a request template.
func (l line) isMeta() bool { return l.Filename != nil }

func (l line) template() fileset.RequestTemplate {
	return fileset.RequestTemplate{
		CustomID: l.CustomID,
		Endpoint: l.Endpoint,
		Method:   l.Method,
		Path:     l.Path,
		Body:     l.Body,
		Model:    l.Model,
		APIKey:   l.APIKey,
	}
}

// applyTo merges a metadata line's fields into meta, overwriting only the
// fields the line sets.
func (l line) applyTo(meta *fileset.FileMeta, now time.Time) {
	if l.Filename != nil {
		meta.Name = *l.Filename
	}
	if l.Purpose != nil {
		meta.Purpose = *l.Purpose
	}
	if l.UploadedBy != nil {
		meta.UploadedBy = *l.UploadedBy
	}
	if l.SizeBytes != nil {
		meta.SizeBytes = *l.SizeBytes
	}
	if l.ExpiresAfterSeconds != nil {
		// created_at is the only anchor this repo understands; any other
		// value is still measured from ingest time.
		expiresAt := now.Add(time.Duration(*l.ExpiresAfterSeconds) * time.Second)
		meta.ExpiresAt = &expiresAt
	}
}

// streamAppendBatch bounds how many templates accumulate in memory before
// an incremental AppendTemplates call, so ingestFile never buffers an
// entire file's templates at once.
const streamAppendBatch = 200

// Submitter scans cfg.ScanDir on a timer and ingests newly-dropped batch
// files, rate-limited by files-per-second rather than the teacher's
// Redis-fixed-window per-enqueue limiter (a local directory scan needs no
// round-trip to rate-limit against).
type Submitter struct {
	cfg     config.Submitter
	store   storage.Storage
	log     *zap.Logger
	limiter *rate.Limiter

	mu   sync.Mutex
	seen map[string]bool
}

func New(cfg config.Submitter, store storage.Storage, log *zap.Logger) *Submitter {
	if log == nil {
		log = zap.NewNop()
	}
	var limiter *rate.Limiter
	if cfg.RateLimitPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitPerSec)
	}
	return &Submitter{cfg: cfg, store: store, log: log, limiter: limiter, seen: make(map[string]bool)}
}

// Run blocks, scanning cfg.ScanDir every cfg.PollInterval, until ctx is
// canceled.
func (s *Submitter) Run(ctx context.Context) error {
	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.scanOnce(ctx); err != nil && ctx.Err() == nil {
		s.log.Error("submitter scan", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.scanOnce(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("submitter scan", zap.Error(err))
			}
		}
	}
}

func (s *Submitter) scanOnce(ctx context.Context) error {
	root := s.cfg.ScanDir

	return filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if strings.HasSuffix(path, ingestedSuffix) {
			return nil
		}
		if s.alreadySeen(path) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if !s.matchesGlobs(rel) {
			return nil
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		if err := s.ingestFile(ctx, path); err != nil {
			s.log.Error("ingest batch file", zap.String("path", path), zap.Error(err))
			return nil
		}
		s.markSeen(path)
		return nil
	})
}

func (s *Submitter) matchesGlobs(rel string) bool {
	include := s.cfg.IncludeGlobs
	incMatch := len(include) == 0
	for _, g := range include {
		if ok, _ := doublestar.PathMatch(g, rel); ok {
			incMatch = true
			break
		}
	}
	if !incMatch {
		return false
	}
	for _, g := range s.cfg.ExcludeGlobs {
		if ok, _ := doublestar.PathMatch(g, rel); ok {
			return false
		}
	}
	return true
}

func (s *Submitter) alreadySeen(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[path]
}

func (s *Submitter) markSeen(path string) {
	s.mu.Lock()
	s.seen[path] = true
	s.mu.Unlock()
	renamed := path + ingestedSuffix
	if err := os.Rename(path, renamed); err != nil {
		s.log.Warn("rename ingested file", zap.String("path", path), zap.Error(err))
	}
}

func (s *Submitter) ingestFile(ctx context.Context, path string) error {
	ctx, span := obs.StartSubmitSpan(ctx, filepath.Base(path))
	defer span.End()

	f, err := os.Open(path)
	if err != nil {
		obs.RecordError(ctx, err)
		return err
	}
	defer f.Close()

	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	meta := fileset.FileMeta{
		Name:      filepath.Base(path),
		Purpose:   "batch",
		SizeBytes: fi.Size(),
	}

	var (
		file     fileset.File
		created  bool
		pending  []fileset.RequestTemplate
		total    int
		lateMeta bool
	)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := s.store.AppendTemplates(ctx, file.ID, pending); err != nil {
			return fmt.Errorf("append templates to file %s: %w", file.ID.Short(), err)
		}
		total += len(pending)
		pending = pending[:0]
		return nil
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var ln line
		if err := json.Unmarshal([]byte(raw), &ln); err != nil {
			obs.RecordError(ctx, err)
			return fmt.Errorf("parse %s line %d: %w", path, lineNo, err)
		}

		if ln.isMeta() {
			if created {
				// The file row is already open; a metadata item arriving
				// this late can't be retrofitted onto it without an
				// update-file-meta storage operation, which this module
				// doesn't have. Surface it rather than silently drop it.
				lateMeta = true
				continue
			}
			ln.applyTo(&meta, now)
			continue
		}

		if !created {
			file, err = s.store.CreateFileStream(ctx, meta)
			if err != nil {
				obs.RecordError(ctx, err)
				return fmt.Errorf("create file stream for %s: %w", path, err)
			}
			created = true
		}
		pending = append(pending, ln.template())
		if len(pending) >= streamAppendBatch {
			if err := flush(); err != nil {
				obs.RecordError(ctx, err)
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		obs.RecordError(ctx, err)
		return err
	}
	if err := flush(); err != nil {
		obs.RecordError(ctx, err)
		return err
	}
	if !created {
		return nil
	}
	if lateMeta {
		s.log.Warn("file metadata item arrived after templates; ignored",
			zap.String("path", path), zap.String("file_id", file.ID.Short()))
	}

	batch, err := s.store.CreateBatch(ctx, file.ID)
	if err != nil {
		obs.RecordError(ctx, err)
		return fmt.Errorf("create batch for file %s: %w", file.ID.Short(), err)
	}

	obs.RequestsSubmitted.Add(float64(total))
	obs.SetSpanSuccess(ctx)
	s.log.Info("ingested batch file",
		zap.String("path", path),
		zap.String("file_id", file.ID.Short()),
		zap.String("batch_id", batch.ID.Short()),
		zap.Int("request_count", total),
	)
	return nil
}
