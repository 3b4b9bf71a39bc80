// Package routing owns the notebook-to-kernel association. Each notebook has
// its own entry lock, so a slow kernel launch for one notebook never blocks
// resolution of another.
package routing

import (
	"context"
	"errors"
	"sync"

	"kernelhub/internal/kernel"
	"kernelhub/internal/logging"
)

// ErrUnknownNotebook reports a routing operation against a notebook identity
// with no entry. Resolve treats that as "no kernel yet" and creates one;
// Release surfaces it as not-found.
var ErrUnknownNotebook = errors.New("unknown notebook")

type Table struct {
	mu      sync.Mutex
	entries map[string]*entry

	kernels *kernel.Registry
	logger  *logging.Logger
}

// entry serializes lifecycle operations for a single notebook. The removed
// flag makes waiters re-fetch after a Release wins the lock first.
type entry struct {
	mu       sync.Mutex
	kernelID string
	removed  bool
}

func NewTable(kernels *kernel.Registry, logger *logging.Logger) *Table {
	if logger == nil {
		logger = logging.NewLoggerWithOutput(logging.NewBuffer(logging.DefaultBufferSize), logging.LevelInfo, nil)
	}
	return &Table{
		entries: make(map[string]*entry),
		kernels: kernels,
		logger:  logger,
	}
}

// Resolve returns the kernel bound to the notebook, starting one if none is
// bound or the bound one is no longer live. Concurrent callers for the same
// notebook serialize on the entry lock and all observe the identity started
// by whichever caller got there first.
func (t *Table) Resolve(ctx context.Context, notebookID string) (string, error) {
	for {
		e := t.entry(notebookID)
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}

		if e.kernelID != "" && t.kernels.IsAlive(e.kernelID) {
			id := e.kernelID
			e.mu.Unlock()
			return id, nil
		}

		id, err := t.kernels.Start(ctx, nil)
		if err != nil {
			e.mu.Unlock()
			return "", err
		}
		e.kernelID = id
		e.mu.Unlock()

		t.logger.Info("notebook bound to kernel", map[string]string{
			"notebook_id": notebookID,
			"kernel_id":   id,
		})
		return id, nil
	}
}

// Lookup returns the current binding without creating anything.
func (t *Table) Lookup(notebookID string) (string, bool) {
	t.mu.Lock()
	e, ok := t.entries[notebookID]
	t.mu.Unlock()
	if !ok {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || e.kernelID == "" {
		return "", false
	}
	return e.kernelID, true
}

// NotebookFor reverse-maps a kernel identity to its notebook, if bound.
// Entry locks are taken only after the table lock is released; entry locks
// never nest inside it.
func (t *Table) NotebookFor(kernelID string) (string, bool) {
	t.mu.Lock()
	snapshot := make(map[string]*entry, len(t.entries))
	for notebookID, e := range t.entries {
		snapshot[notebookID] = e
	}
	t.mu.Unlock()

	for notebookID, e := range snapshot {
		e.mu.Lock()
		matched := !e.removed && e.kernelID == kernelID
		e.mu.Unlock()
		if matched {
			return notebookID, true
		}
	}
	return "", false
}

// Rebind stops the notebook's current kernel, starts a replacement with the
// given argv overrides, and swaps the entry atomically. Bridges holding the
// old identity are invalidated by the stop. If the new launch fails the
// entry is left unbound and the error surfaces to the caller.
func (t *Table) Rebind(ctx context.Context, notebookID string, argvOverrides []string) (string, error) {
	e := t.entry(notebookID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return "", ErrUnknownNotebook
	}

	oldID := e.kernelID
	if oldID != "" {
		if err := t.kernels.Stop(ctx, oldID); err != nil {
			t.logger.Warn("old kernel stop during rebind", map[string]string{
				"notebook_id": notebookID,
				"kernel_id":   oldID,
				"error":       err.Error(),
			})
		}
	}
	e.kernelID = ""

	newID, err := t.kernels.Start(ctx, argvOverrides)
	if err != nil {
		return "", err
	}
	e.kernelID = newID

	t.logger.Info("notebook rebound", map[string]string{
		"notebook_id":   notebookID,
		"old_kernel_id": oldID,
		"kernel_id":     newID,
	})
	return newID, nil
}

// Release stops the bound kernel (if any) and removes the entry. Losing a
// race with Rebind is deterministic: whichever operation takes the entry
// lock last wins, and no kernel is left running behind a removed entry.
func (t *Table) Release(ctx context.Context, notebookID string) error {
	t.mu.Lock()
	e, ok := t.entries[notebookID]
	t.mu.Unlock()
	if !ok {
		return ErrUnknownNotebook
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return ErrUnknownNotebook
	}
	if e.kernelID != "" {
		if err := t.kernels.Stop(ctx, e.kernelID); err != nil {
			t.logger.Warn("kernel stop during release", map[string]string{
				"notebook_id": notebookID,
				"kernel_id":   e.kernelID,
				"error":       err.Error(),
			})
		}
		e.kernelID = ""
	}
	e.removed = true

	t.mu.Lock()
	if t.entries[notebookID] == e {
		delete(t.entries, notebookID)
	}
	t.mu.Unlock()

	t.logger.Info("notebook released", map[string]string{"notebook_id": notebookID})
	return nil
}

// DropBinding clears the entry that points at the given kernel without
// touching the process; used when a kernel is shut down by identity rather
// than through its notebook.
func (t *Table) DropBinding(kernelID string) {
	notebookID, ok := t.NotebookFor(kernelID)
	if !ok {
		return
	}
	t.mu.Lock()
	e, ok := t.entries[notebookID]
	t.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.kernelID == kernelID {
		e.kernelID = ""
		e.removed = true
		t.mu.Lock()
		if t.entries[notebookID] == e {
			delete(t.entries, notebookID)
		}
		t.mu.Unlock()
	}
	e.mu.Unlock()
}

func (t *Table) entry(notebookID string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[notebookID]
	if !ok {
		e = &entry{}
		t.entries[notebookID] = e
	}
	return e
}
