package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kirillkom/hansen-persona-rag/internal/core/domain"
)

type (
	LoaderFunc   func(ctx context.Context) ([]domain.KnowledgeChunk, error)
	ReloadedFunc func(ctx context.Context, version uint64)
)

// Watcher reloads the corpus when files under the watched path change.
// Bursts of events are coalesced; a failed reload keeps the previous corpus.
type Watcher struct {
	path       string
	filterName string
	corpus     *Corpus
	load       LoaderFunc
	onReload   ReloadedFunc
	debounce   time.Duration
	watcher    *fsnotify.Watcher
}

func NewWatcher(path string, corpus *Corpus, load LoaderFunc, onReload ReloadedFunc) (*Watcher, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat corpus: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	// Editors and the indexer replace files by rename, so a single file is
	// watched through its directory.
	dir, name := path, ""
	if !info.IsDir() {
		dir, name = filepath.Dir(path), filepath.Base(path)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	return &Watcher{
		path:       path,
		filterName: name,
		corpus:     corpus,
		load:       load,
		onReload:   onReload,
		debounce:   250 * time.Millisecond,
		watcher:    fw,
	}, nil
}

func (w *Watcher) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			timer.Reset(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("corpus_watch_error", "path", w.path, "error", err)
		case <-timer.C:
			w.reload(ctx)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	base := filepath.Base(event.Name)
	if w.filterName != "" {
		return base == w.filterName
	}
	return filepath.Ext(base) == ".json" && base[0] != '.'
}

func (w *Watcher) reload(ctx context.Context) {
	chunks, err := w.load(ctx)
	if err != nil {
		slog.Warn("corpus_reload_failed", "path", w.path, "error", err)
		return
	}
	version := w.corpus.Replace(chunks)
	slog.Info("corpus_reloaded", "path", w.path, "chunks", len(chunks), "version", version)
	if w.onReload != nil {
		w.onReload(ctx, version)
	}
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
