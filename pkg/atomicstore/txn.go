package atomicstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Txn groups several writes so they become visible together or not at all.
//
// Stage writes and verifies every temporary file up front. Commit then renames the
// staged files onto their targets in staging order and verifies each in place. If any
// step fails, every target already replaced is restored and all temporaries are removed,
// so the files touched by the transaction are exactly as they were before Begin.
type Txn struct {
	store  *Store
	writes []*stagedWrite
	closed bool
}

type stagedWrite struct {
	path       string
	tmp        string
	backup     string
	content    []byte
	validate   Validator
	createOnly bool
	hadTarget  bool
	renamed    bool
}

// Begin starts a transaction.
func (s *Store) Begin() *Txn {
	return &Txn{store: s}
}

// Stage adds a create-or-replace write of path to the transaction.
func (t *Txn) Stage(path string, content []byte, validate Validator) error {
	return t.stage(path, content, validate, false)
}

// StageNew adds a write-once write of path; the transaction fails if path already exists.
func (t *Txn) StageNew(path string, content []byte, validate Validator) error {
	return t.stage(path, content, validate, true)
}

func (t *Txn) stage(path string, content []byte, validate Validator, createOnly bool) error {
	if t.closed {
		return ErrTxnClosed
	}
	for _, w := range t.writes {
		if w.path == path {
			return fmt.Errorf("atomicstore: %s staged twice in one transaction", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("atomicstore: create directory for %s: %w", path, err)
	}
	if createOnly {
		ok, err := exists(path)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: %s", ErrTargetExists, path)
		}
	}

	w := &stagedWrite{
		path:       path,
		tmp:        path + tempSuffix,
		backup:     path + backupSuffix,
		content:    content,
		validate:   validate,
		createOnly: createOnly,
	}
	if err := t.store.stageTemp(w.tmp, path, content, validate); err != nil {
		if !isCrash(err) {
			_ = os.Remove(w.tmp)
		}
		return err
	}
	t.writes = append(t.writes, w)
	return nil
}

// Paths returns the staged target paths in commit order.
func (t *Txn) Paths() []string {
	paths := make([]string, len(t.writes))
	for i, w := range t.writes {
		paths[i] = w.path
	}
	return paths
}

// Commit makes every staged write visible. On failure all targets are restored.
func (t *Txn) Commit() error {
	if t.closed {
		return ErrTxnClosed
	}
	t.closed = true

	s := t.store
	for _, w := range t.writes {
		if err := t.commitOne(w); err != nil {
			if isCrash(err) {
				return err
			}
			t.undo()
			return err
		}
	}

	for _, w := range t.writes {
		if err := s.fire(StageCleanup, w.path); err != nil {
			if isCrash(err) {
				return err
			}
			debugLog.Warnf("cleanup hook failed for %s: %v", w.path, err)
		}
		if w.hadTarget {
			if err := os.Remove(w.backup); err != nil && !errors.Is(err, fs.ErrNotExist) {
				debugLog.Warnf("failed to remove backup %s: %v", w.backup, err)
			}
		}
	}
	return nil
}

func (t *Txn) commitOne(w *stagedWrite) error {
	s := t.store
	ok, err := exists(w.path)
	if err != nil {
		return err
	}
	if ok && w.createOnly {
		return fmt.Errorf("%w: %s", ErrTargetExists, w.path)
	}
	w.hadTarget = ok

	if w.hadTarget {
		if err := s.fire(StageBackup, w.path); err != nil {
			if isCrash(err) {
				return err
			}
			return fmt.Errorf("atomicstore: backup %s: %w", w.path, err)
		}
		if err := s.copyFile(w.path, w.backup); err != nil {
			_ = os.Remove(w.backup)
			w.hadTarget = false
			return fmt.Errorf("atomicstore: backup %s: %w", w.path, err)
		}
	}

	// Mark before renaming so undo restores a target whose in-place verification failed.
	w.renamed = true
	return s.commitTemp(w.tmp, w.path, w.content, w.validate)
}

// undo restores every touched target in reverse order and removes leftover temporaries.
func (t *Txn) undo() {
	for i := len(t.writes) - 1; i >= 0; i-- {
		w := t.writes[i]
		_ = os.Remove(w.tmp)
		if w.renamed {
			t.store.restore(w.path, w.backup, w.hadTarget)
		} else if w.hadTarget {
			_ = os.Remove(w.backup)
		}
	}
}

// Rollback discards every staged write. It is a no-op after Commit.
func (t *Txn) Rollback() error {
	if t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	for _, w := range t.writes {
		if err := os.Remove(w.tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
