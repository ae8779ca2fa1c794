// Package ledger implements spec.md §6's append-only block-ledger file:
// logs/<SYMBOL>_blocks.json, an array of {block, finder, date} entries
// created on demand. No teacher equivalent exists (the closest analog is
// storage.PostgresClient's block insert); this is new, grounded on spec.md
// §5's "Shared resources" paragraph, which requires the writer to
// read-modify-write atomically via rename-over-temp so a concurrently
// reading dashboard never observes a partial file.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Entry is one accepted block, as recorded in the ledger.
type Entry struct {
	Block  uint32 `json:"block"`
	Finder string `json:"finder"`
	Date   int64  `json:"date"` // epoch milliseconds
}

// Ledger guards read-modify-write access to one symbol's ledger file.
type Ledger struct {
	mu   sync.Mutex
	path string
}

// New returns a Ledger for logs/<symbol>_blocks.json under dir.
func New(dir, symbol string) *Ledger {
	return &Ledger{path: filepath.Join(dir, fmt.Sprintf("%s_blocks.json", symbol))}
}

// Append adds one entry to the ledger, creating the file (as "[]") on
// first use, and replacing its contents atomically via rename-over-temp.
func (l *Ledger) Append(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.read()
	if err != nil {
		return err
	}
	entries = append(entries, entry)

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("ledger: marshal: %w", err)
	}

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("ledger: write temp file: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("ledger: rename temp file: %w", err)
	}
	return nil
}

// All returns every recorded entry.
func (l *Ledger) All() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read()
}

func (l *Ledger) read() ([]Entry, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read file: %w", err)
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("ledger: parse file: %w", err)
	}
	return entries, nil
}
