package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/agentsmithy/agentsmithy/pkg/config"
	"github.com/agentsmithy/agentsmithy/pkg/embedders"
	"github.com/agentsmithy/agentsmithy/pkg/logger"
	"github.com/agentsmithy/agentsmithy/pkg/vector"
	"github.com/agentsmithy/agentsmithy/pkg/versioning"
)

// Collection is the single vector collection holding project chunks.
const Collection = "agentsmithy_docs"

// SyncStats reports what a sync pass did.
type SyncStats struct {
	Indexed   int `json:"indexed"`
	Reindexed int `json:"reindexed"`
	Removed   int `json:"removed"`
	Unchanged int `json:"unchanged"`
}

type fileEntry struct {
	Hash   string `json:"hash"`
	Chunks int    `json:"chunks"`
}

// Indexer keeps the vector store aligned with workdir file contents.
// Each chunk's metadata carries the full-file content hash so a sync
// pass can detect external edits without re-embedding everything.
type Indexer struct {
	workdir      string
	manifestPath string
	store        vector.Store
	embedder     embedders.Embedder
	chunker      *Chunker
	cfg          *config.RAGConfig

	// OnProgress, when set, receives scan progress in percent.
	OnProgress func(percent int)

	mu       sync.Mutex
	manifest map[string]fileEntry
}

// NewIndexer builds an indexer rooted at workdir with its manifest under
// the RAG state directory.
func NewIndexer(workdir, ragDir string, store vector.Store, embedder embedders.Embedder, cfg *config.RAGConfig) (*Indexer, error) {
	if err := os.MkdirAll(ragDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create rag directory: %w", err)
	}
	idx := &Indexer{
		workdir:      workdir,
		manifestPath: filepath.Join(ragDir, "files.json"),
		store:        store,
		embedder:     embedder,
		chunker:      NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		cfg:          cfg,
		manifest:     make(map[string]fileEntry),
	}
	idx.loadManifest()
	return idx, nil
}

func (x *Indexer) loadManifest() {
	data, err := os.ReadFile(x.manifestPath)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, &x.manifest)
}

func (x *Indexer) saveManifestLocked() {
	data, err := json.MarshalIndent(x.manifest, "", "  ")
	if err != nil {
		return
	}
	tmp := x.manifestPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		logger.Warn("Failed to write rag manifest", "error", err)
		return
	}
	if err := os.Rename(tmp, x.manifestPath); err != nil {
		logger.Warn("Failed to replace rag manifest", "error", err)
	}
}

func hashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// indexable rejects files the index should never hold.
func (x *Indexer) indexable(relPath string, size int64) bool {
	if versioning.IsIgnored(relPath, versioning.DefaultExcludes) {
		return false
	}
	if x.cfg.MaxFileBytes > 0 && size > x.cfg.MaxFileBytes {
		return false
	}
	return true
}

// IndexFile chunks, embeds, and upserts one workdir-relative path,
// replacing any chunks from a previous version of the file.
func (x *Indexer) IndexFile(ctx context.Context, relPath string) error {
	absPath := filepath.Join(x.workdir, relPath)
	info, err := os.Stat(absPath)
	if err != nil {
		return x.RemoveFile(ctx, relPath)
	}
	if !x.indexable(relPath, info.Size()) {
		return nil
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", relPath, err)
	}
	if !utf8.Valid(data) {
		return nil
	}

	hash := hashContent(data)
	x.mu.Lock()
	if entry, ok := x.manifest[relPath]; ok && entry.Hash == hash {
		x.mu.Unlock()
		return nil
	}
	x.mu.Unlock()

	chunks := x.chunker.Chunk(string(data))
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
	}
	vectors, err := x.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed %s: %w", relPath, err)
	}

	// Stale chunks from the previous version must go before the upsert,
	// since chunk counts may shrink.
	if err := x.store.DeleteByFilter(ctx, Collection, map[string]any{"path": relPath}); err != nil {
		logger.Debug("No previous chunks to delete", "path", relPath, "error", err)
	}

	docs := make([]vector.Document, len(chunks))
	for i, ch := range chunks {
		docs[i] = vector.Document{
			ID:        fmt.Sprintf("%s#%d", relPath, ch.Index),
			Content:   ch.Content,
			Embedding: vectors[i],
			Metadata: map[string]any{
				"path":         relPath,
				"chunk":        ch.Index,
				"start_line":   ch.StartLine,
				"end_line":     ch.EndLine,
				"content_hash": hash,
			},
		}
	}
	if err := x.store.UpsertBatch(ctx, Collection, docs); err != nil {
		return err
	}

	x.mu.Lock()
	x.manifest[relPath] = fileEntry{Hash: hash, Chunks: len(chunks)}
	x.saveManifestLocked()
	x.mu.Unlock()
	return nil
}

// RemoveFile drops all chunks for a path.
func (x *Indexer) RemoveFile(ctx context.Context, relPath string) error {
	x.mu.Lock()
	_, known := x.manifest[relPath]
	delete(x.manifest, relPath)
	if known {
		x.saveManifestLocked()
	}
	x.mu.Unlock()

	if !known {
		return nil
	}
	return x.store.DeleteByFilter(ctx, Collection, map[string]any{"path": relPath})
}

// FullSync walks every indexed path, re-hashing its current content:
// mismatches are reindexed, missing files removed. Catches run_command
// output and edits made outside the server.
func (x *Indexer) FullSync(ctx context.Context) (SyncStats, error) {
	x.mu.Lock()
	paths := make([]string, 0, len(x.manifest))
	hashes := make(map[string]string, len(x.manifest))
	for p, entry := range x.manifest {
		paths = append(paths, p)
		hashes[p] = entry.Hash
	}
	x.mu.Unlock()
	sort.Strings(paths)

	var stats SyncStats
	var statsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.workers())

	for _, relPath := range paths {
		relPath := relPath
		g.Go(func() error {
			data, err := os.ReadFile(filepath.Join(x.workdir, relPath))
			if err != nil {
				if err := x.RemoveFile(gctx, relPath); err != nil {
					return err
				}
				statsMu.Lock()
				stats.Removed++
				statsMu.Unlock()
				return nil
			}
			if hashContent(data) == hashes[relPath] {
				statsMu.Lock()
				stats.Unchanged++
				statsMu.Unlock()
				return nil
			}
			if err := x.IndexFile(gctx, relPath); err != nil {
				return err
			}
			statsMu.Lock()
			stats.Reindexed++
			statsMu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		logger.Debug("RAG full sync complete",
			"reindexed", stats.Reindexed, "removed", stats.Removed, "unchanged", stats.Unchanged)
	}
	return stats, err
}

// InitialScan indexes the whole workdir minus excludes, then removes
// index entries whose files vanished. Intended for boot and for the
// post-restore resync.
func (x *Indexer) InitialScan(ctx context.Context) (SyncStats, error) {
	var files []string
	err := filepath.WalkDir(x.workdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		relPath, relErr := filepath.Rel(x.workdir, path)
		if relErr != nil || relPath == "." {
			return nil
		}
		relPath = filepath.ToSlash(relPath)
		if versioning.IsIgnored(relPath, versioning.DefaultExcludes) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, relPath)
		}
		return nil
	})
	if err != nil {
		return SyncStats{}, err
	}

	seen := make(map[string]bool, len(files))
	for _, f := range files {
		seen[f] = true
	}

	x.mu.Lock()
	known := make(map[string]string, len(x.manifest))
	for p, entry := range x.manifest {
		known[p] = entry.Hash
	}
	x.mu.Unlock()

	var stats SyncStats
	var statsMu sync.Mutex
	var done int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.workers())

	for _, relPath := range files {
		relPath := relPath
		g.Go(func() error {
			data, err := os.ReadFile(filepath.Join(x.workdir, relPath))
			if err != nil {
				return nil
			}
			prevHash, wasKnown := known[relPath]
			hash := hashContent(data)

			statsMu.Lock()
			switch {
			case !wasKnown:
				stats.Indexed++
			case prevHash != hash:
				stats.Reindexed++
			default:
				stats.Unchanged++
			}
			done++
			percent := done * 100 / len(files)
			statsMu.Unlock()

			if wasKnown && prevHash == hash {
				x.reportProgress(percent)
				return nil
			}
			if err := x.IndexFile(gctx, relPath); err != nil {
				logger.Warn("Failed to index file", "path", relPath, "error", err)
			}
			x.reportProgress(percent)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}

	// Drop entries for files that no longer exist.
	for relPath := range known {
		if seen[relPath] {
			continue
		}
		if err := x.RemoveFile(ctx, relPath); err != nil {
			logger.Warn("Failed to remove stale index entry", "path", relPath, "error", err)
			continue
		}
		stats.Removed++
	}

	logger.Info("RAG scan complete", "indexed", stats.Indexed,
		"reindexed", stats.Reindexed, "removed", stats.Removed, "unchanged", stats.Unchanged)
	return stats, nil
}

// Search embeds the query and returns the closest chunks.
func (x *Indexer) Search(ctx context.Context, query string, topK int) ([]vector.Result, error) {
	if topK <= 0 {
		topK = x.cfg.TopK
	}
	queryVector, err := x.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return x.store.Search(ctx, Collection, queryVector, topK)
}

// IndexedPaths returns the manifest's paths, sorted.
func (x *Indexer) IndexedPaths() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	paths := make([]string, 0, len(x.manifest))
	for p := range x.manifest {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (x *Indexer) workers() int {
	if x.cfg.Workers > 0 {
		return x.cfg.Workers
	}
	return 4
}

func (x *Indexer) reportProgress(percent int) {
	if x.OnProgress != nil {
		x.OnProgress(percent)
	}
}
