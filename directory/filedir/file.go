// Package filedir is a directory.Directory backed by a YAML user file,
// hot-reloaded when the file changes on disk.
package filedir

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ssokit/ssolink"
	"github.com/ssokit/ssolink/directory"
	"github.com/ssokit/ssolink/directory/memorydir"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// userFile is the on-disk shape.
type userFile struct {
	Users []memorydir.User `yaml:"users"`
}

// Directory implements directory.Directory over a watched YAML file.
type Directory struct {
	path    string
	inner   *memorydir.Directory
	watcher *fsnotify.Watcher
	log     *slog.Logger
	done    chan struct{}
}

// Option configures the directory.
type Option func(*Directory)

// WithLogger sets the slog logger used for reload events. If not provided,
// logs are discarded.
func WithLogger(log *slog.Logger) Option {
	return func(d *Directory) { d.log = log }
}

// New loads the user file and starts watching it for changes.
func New(path string, opts ...Option) (*Directory, error) {
	d := &Directory{
		path: path,
		log:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	users, err := load(path)
	if err != nil {
		return nil, err
	}
	d.inner = memorydir.New(users)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filedir: create watcher: %w", err)
	}
	// Watch the containing directory: editors typically replace the file,
	// and a watch on the old inode would go quiet after the first save.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("filedir: watch %s: %w", filepath.Dir(path), err)
	}
	d.watcher = watcher

	go d.watch()
	return d, nil
}

// Close stops the file watcher.
func (d *Directory) Close() error {
	close(d.done)
	return d.watcher.Close()
}

// LoginWithCredentials implements directory.Directory.
func (d *Directory) LoginWithCredentials(ctx context.Context, username, password string) (string, error) {
	return d.inner.LoginWithCredentials(ctx, username, password)
}

// PublicProfile implements directory.Directory.
func (d *Directory) PublicProfile(ctx context.Context, principalID string) (*ssolink.Profile, error) {
	return d.inner.PublicProfile(ctx, principalID)
}

func (d *Directory) watch() {
	for {
		select {
		case <-d.done:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(d.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			users, err := load(d.path)
			if err != nil {
				// Keep serving the last good set.
				d.log.Warn("user file reload failed", "path", d.path, "err", err)
				continue
			}
			d.inner.Replace(users)
			d.log.Info("user file reloaded", "path", d.path, "users", len(users))
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log.Warn("user file watcher error", "err", err)
		}
	}
}

func load(path string) ([]memorydir.User, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("filedir: read %s: %w", path, err)
	}
	var f userFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("filedir: parse %s: %w", path, err)
	}
	return f.Users, nil
}

var _ directory.Directory = (*Directory)(nil)
