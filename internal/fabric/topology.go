package fabric

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"pkt.systems/fabricd/internal/loggingutil"
	"pkt.systems/pslog"
)

// ParseTopology decodes and validates a YAML topology document. Unknown keys
// are rejected.
func ParseTopology(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cat Catalog
	if err := dec.Decode(&cat); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("topology: empty document")
		}
		return nil, fmt.Errorf("topology: decode: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return &cat, nil
}

// LoadTopology reads and validates the topology file at path.
func LoadTopology(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("topology: read %s: %w", path, err)
	}
	return ParseTopology(data)
}

// TopologyWatcher loads a topology file that may not exist yet, as happens when
// the daemon starts before fabric discovery has written it.
type TopologyWatcher struct {
	path    string
	logger  pslog.Logger
	watcher *fsnotify.Watcher
}

// NewTopologyWatcher watches the directory containing path.
func NewTopologyWatcher(path string, logger pslog.Logger) (*TopologyWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("topology: resolve %s: %w", path, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("topology: watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("topology: watch %s: %w", filepath.Dir(abs), err)
	}
	return &TopologyWatcher{
		path:    abs,
		logger:  loggingutil.WithSubsystem(logger, "fabric.topology"),
		watcher: w,
	}, nil
}

// Wait returns the first valid catalog found at the watched path. Missing or
// invalid files are retried whenever the file is written, created or renamed
// into place.
func (w *TopologyWatcher) Wait(ctx context.Context) (*Catalog, error) {
	cat, err := LoadTopology(w.path)
	if err == nil {
		return cat, nil
	}
	w.logger.Info("topology.wait.begin", "path", w.path, "error", err)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil, fmt.Errorf("topology: watcher closed")
			}
			if !w.relevant(ev) {
				continue
			}
			cat, err := LoadTopology(w.path)
			if err != nil {
				w.logger.Warn("topology.wait.invalid", "path", w.path, "op", ev.Op.String(), "error", err)
				continue
			}
			w.logger.Info("topology.wait.loaded", "path", w.path, "partitions", len(cat.Partitions))
			return cat, nil
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil, fmt.Errorf("topology: watcher closed")
			}
			w.logger.Warn("topology.watch.error", "error", err)
		}
	}
}

// Run logs and ignores later changes to the topology file until ctx ends.
// Partition membership is fixed for the daemon lifetime.
func (w *TopologyWatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.relevant(ev) {
				w.logger.Warn("topology.change.ignored", "path", w.path, "op", ev.Op.String())
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("topology.watch.error", "error", err)
		}
	}
}

// Close stops the underlying watcher.
func (w *TopologyWatcher) Close() error {
	return w.watcher.Close()
}

func (w *TopologyWatcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != w.path {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename)
}
