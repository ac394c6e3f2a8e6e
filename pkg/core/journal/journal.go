// Package journal persists emitted ledger events as an append-only
// JSON-lines file, for offline audit and history rendering.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hyruo/etherdex/pkg/core"
)

// Journal records events. The zero-value Nop discards them.
type Journal interface {
	Append(ev core.Event) error
}

type Nop struct{}

func NewNop() *Nop                     { return &Nop{} }
func (*Nop) Append(_ core.Event) error { return nil }

// FileJournal appends one JSON line per event:
//
//	{"event":"Trade","data":{...}}
type FileJournal struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileJournal(path string) (*FileJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f}, nil
}

type entry struct {
	Event string     `json:"event"`
	Data  core.Event `json:"data"`
}

func (j *FileJournal) Append(ev core.Event) error {
	line, err := json.Marshal(entry{Event: ev.Name(), Data: ev})
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", ev.Name(), err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = fmt.Fprintf(j.f, "%s\n", line)
	return err
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

var _ Journal = (*Nop)(nil)
var _ Journal = (*FileJournal)(nil)
