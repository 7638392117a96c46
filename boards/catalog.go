// Package boards serves board structure (columns, WIP limits, swimlane mode)
// from a YAML file that is reloaded whenever it changes on disk.
package boards

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"board-hub/domain"
)

type fileColumn struct {
	ID       string `yaml:"id"`
	WIPLimit int    `yaml:"wipLimit"`
}

type fileBoard struct {
	ID        string       `yaml:"id"`
	Swimlanes string       `yaml:"swimlanes"`
	Columns   []fileColumn `yaml:"columns"`
}

type file struct {
	Boards []fileBoard `yaml:"boards"`
}

// Catalog is a read-only, hot-reloadable view of board configuration.
type Catalog struct {
	path   string
	mu     sync.RWMutex
	boards map[string]domain.BoardConfig
}

// Load reads the catalog at path.
func Load(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewStatic serves a fixed set of boards; Reload and Watch are not usable.
func NewStatic(cfgs ...domain.BoardConfig) *Catalog {
	c := &Catalog{boards: make(map[string]domain.BoardConfig, len(cfgs))}
	for _, cfg := range cfgs {
		if cfg.SwimlaneMode == "" {
			cfg.SwimlaneMode = domain.SwimlaneNone
		}
		for i := range cfg.Columns {
			cfg.Columns[i].Position = i
			if cfg.Columns[i].SwimlaneMode == "" {
				cfg.Columns[i].SwimlaneMode = cfg.SwimlaneMode
			}
		}
		c.boards[cfg.ID] = cfg
	}
	return c
}

// Reload re-reads the file. On error the previous configuration stays active.
func (c *Catalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read board catalog: %w", err)
	}
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.boards = parsed
	c.mu.Unlock()
	return nil
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (map[string]domain.BoardConfig, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse board catalog: %w", err)
	}
	out := make(map[string]domain.BoardConfig, len(f.Boards))
	for _, b := range f.Boards {
		if b.ID == "" {
			return nil, fmt.Errorf("board catalog: board without id")
		}
		if _, dup := out[b.ID]; dup {
			return nil, fmt.Errorf("board catalog: duplicate board %s", b.ID)
		}
		mode := domain.SwimlaneMode(b.Swimlanes)
		if mode == "" {
			mode = domain.SwimlaneNone
		}
		cfg := domain.BoardConfig{ID: b.ID, SwimlaneMode: mode}
		seen := map[string]bool{}
		for i, col := range b.Columns {
			if col.ID == "" {
				return nil, fmt.Errorf("board catalog: board %s has a column without id", b.ID)
			}
			if seen[col.ID] {
				return nil, fmt.Errorf("board catalog: board %s repeats column %s", b.ID, col.ID)
			}
			if col.WIPLimit < 0 {
				return nil, fmt.Errorf("board catalog: column %s/%s has negative wip limit", b.ID, col.ID)
			}
			seen[col.ID] = true
			cfg.Columns = append(cfg.Columns, domain.Column{ID: col.ID, Position: i, WIPLimit: col.WIPLimit, SwimlaneMode: mode})
		}
		out[b.ID] = cfg
	}
	return out, nil
}

func (c *Catalog) board(id string) (domain.BoardConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.boards[id]
	return b, ok
}

// GetBoardColumns returns the columns of a board in display order.
func (c *Catalog) GetBoardColumns(_ context.Context, boardID string) ([]domain.Column, error) {
	b, ok := c.board(boardID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownBoard, boardID)
	}
	cols := make([]domain.Column, len(b.Columns))
	copy(cols, b.Columns)
	return cols, nil
}

// ColumnExists reports whether the board has the column.
func (c *Catalog) ColumnExists(_ context.Context, boardID, columnID string) (bool, error) {
	b, ok := c.board(boardID)
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrUnknownBoard, boardID)
	}
	_, found := b.Column(columnID)
	return found, nil
}

// BoardExists reports whether the board is configured.
func (c *Catalog) BoardExists(boardID string) bool {
	_, ok := c.board(boardID)
	return ok
}

// Boards lists configured board ids in sorted order.
func (c *Catalog) Boards() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.boards))
	for id := range c.boards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Watch reloads the catalog whenever its file is written or replaced. The
// parent directory is watched so that editors saving via rename are seen.
// onReload, if set, runs after each successful reload.
func (c *Catalog) Watch(ctx context.Context, onReload func()) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(c.path)); err != nil {
		_ = fsw.Close()
		return err
	}
	name := filepath.Clean(c.path)
	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := c.Reload(); err != nil {
					log.WithError(err).Warn("Board catalog reload failed, keeping previous configuration")
					continue
				}
				log.Infof("Board catalog reloaded from %s", c.path)
				if onReload != nil {
					onReload()
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.WithError(err).Error("Board catalog watcher error")
			}
		}
	}()
	return nil
}
