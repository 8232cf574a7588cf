// Package atomicstore provides the backup / write-temp / verify / rename primitive that every
// durable write in saga goes through, plus multi-file transactions and crash recovery.
//
// A write never leaves a target half-written: the new content is staged next to the target,
// re-read and validated, then renamed over it. The previous content is kept in a backup file
// until the new content has been verified in place, and is restored on any failure.
package atomicstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/entrhq/saga/pkg/logging"
)

var debugLog *logging.Logger

func init() {
	debugLog = logging.MustNew("atomicstore")
}

const (
	tempSuffix   = ".tmp"
	backupSuffix = ".bak"
)

var (
	// ErrVerificationFailed is returned when staged or renamed content does not validate.
	// The target has been restored to its pre-call state; the write may be retried.
	ErrVerificationFailed = errors.New("atomicstore: verification failed")

	// ErrTargetExists is returned by write-once operations when the target already exists.
	ErrTargetExists = errors.New("atomicstore: target already exists")

	// ErrSimulatedCrash is returned by fault hooks to emulate the process dying at a stage.
	// No cleanup or rollback runs after it, exactly as if the process had been killed.
	ErrSimulatedCrash = errors.New("atomicstore: simulated crash")

	// ErrTxnClosed is returned when a committed or rolled back transaction is reused.
	ErrTxnClosed = errors.New("atomicstore: transaction already closed")
)

// Stage names a point in the write protocol where a fault hook fires.
type Stage string

const (
	StageBackup       Stage = "backup"
	StageTempWrite    Stage = "temp_write"
	StageVerifyTemp   Stage = "verify_temp"
	StageRename       Stage = "rename"
	StageVerifyTarget Stage = "verify_target"
	StageCleanup      Stage = "cleanup"
)

// Stages lists every stage in protocol order.
var Stages = []Stage{StageBackup, StageTempWrite, StageVerifyTemp, StageRename, StageVerifyTarget, StageCleanup}

// FaultHook is called before each stage of a write. Returning an error aborts the write at
// that stage; returning an error wrapping ErrSimulatedCrash aborts without any cleanup.
type FaultHook func(stage Stage, path string) error

// Validator structurally validates content read back from disk.
type Validator func(content []byte) error

// Store performs atomic file writes.
type Store struct {
	hook         FaultHook
	readAttempts int
	readDelay    time.Duration
	fileMode     os.FileMode
	sync         bool
}

// Option configures a Store.
type Option func(*Store)

// WithFaultHook installs a hook fired before every stage. Intended for fault-injection tests.
func WithFaultHook(hook FaultHook) Option {
	return func(s *Store) {
		s.hook = hook
	}
}

// WithReadRetry configures how Read waits out an in-progress write.
func WithReadRetry(attempts int, delay time.Duration) Option {
	return func(s *Store) {
		if attempts > 0 {
			s.readAttempts = attempts
		}
		if delay >= 0 {
			s.readDelay = delay
		}
	}
}

// WithFileMode sets the permission bits of written files.
func WithFileMode(mode os.FileMode) Option {
	return func(s *Store) {
		s.fileMode = mode
	}
}

// WithSync toggles fsync of written files and their directories.
func WithSync(enabled bool) Option {
	return func(s *Store) {
		s.sync = enabled
	}
}

// New creates a Store.
func New(opts ...Option) *Store {
	s := &Store{
		readAttempts: 5,
		readDelay:    20 * time.Millisecond,
		fileMode:     0o600,
		sync:         true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) fire(stage Stage, path string) error {
	if s.hook == nil {
		return nil
	}
	return s.hook(stage, path)
}

func isCrash(err error) bool {
	return errors.Is(err, ErrSimulatedCrash)
}

// Write atomically replaces path with content.
//
// The existing file (if any) is copied to a backup, the content is written to a temporary
// file, re-read and validated, then renamed over the target. The target is verified again
// in place before the backup is dropped. On any failure the target is left exactly as it
// was before the call.
func (s *Store) Write(path string, content []byte, validate Validator) error {
	return s.write(path, content, validate, false)
}

// WriteNew is Write for write-once files: it fails with ErrTargetExists when path exists.
func (s *Store) WriteNew(path string, content []byte, validate Validator) error {
	return s.write(path, content, validate, true)
}

func (s *Store) write(path string, content []byte, validate Validator, createOnly bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("atomicstore: create directory for %s: %w", path, err)
	}

	hadTarget, err := exists(path)
	if err != nil {
		return err
	}
	if createOnly && hadTarget {
		return fmt.Errorf("%w: %s", ErrTargetExists, path)
	}

	backup := path + backupSuffix
	if hadTarget {
		if err := s.fire(StageBackup, path); err != nil {
			if isCrash(err) {
				return err
			}
			return fmt.Errorf("atomicstore: backup %s: %w", path, err)
		}
		if err := s.copyFile(path, backup); err != nil {
			_ = os.Remove(backup)
			return fmt.Errorf("atomicstore: backup %s: %w", path, err)
		}
	}

	tmp := path + tempSuffix
	if err := s.stageTemp(tmp, path, content, validate); err != nil {
		if isCrash(err) {
			return err
		}
		_ = os.Remove(tmp)
		if hadTarget {
			_ = os.Remove(backup)
		}
		return err
	}

	if err := s.commitTemp(tmp, path, content, validate); err != nil {
		if isCrash(err) {
			return err
		}
		_ = os.Remove(tmp)
		s.restore(path, backup, hadTarget)
		return err
	}

	if err := s.fire(StageCleanup, path); err != nil {
		// The rename already committed the new content; a failing cleanup only leaves a stale backup.
		if isCrash(err) {
			return err
		}
		debugLog.Warnf("cleanup hook failed for %s: %v", path, err)
	}
	if hadTarget {
		if err := os.Remove(backup); err != nil && !errors.Is(err, fs.ErrNotExist) {
			debugLog.Warnf("failed to remove backup %s: %v", backup, err)
		}
	}
	return nil
}

// stageTemp writes content to tmp and verifies it by reading it back.
func (s *Store) stageTemp(tmp, target string, content []byte, validate Validator) error {
	if err := s.fire(StageTempWrite, target); err != nil {
		if isCrash(err) {
			return err
		}
		return fmt.Errorf("atomicstore: write temp for %s: %w", target, err)
	}
	if err := s.writeFile(tmp, content); err != nil {
		return fmt.Errorf("atomicstore: write temp for %s: %w", target, err)
	}

	if err := s.fire(StageVerifyTemp, target); err != nil {
		if isCrash(err) {
			return err
		}
		return fmt.Errorf("%w: temp for %s: %v", ErrVerificationFailed, target, err)
	}
	return verifyFile(tmp, content, validate)
}

// commitTemp renames tmp over target and verifies the result in place.
func (s *Store) commitTemp(tmp, target string, content []byte, validate Validator) error {
	if err := s.fire(StageRename, target); err != nil {
		if isCrash(err) {
			return err
		}
		return fmt.Errorf("atomicstore: rename %s: %w", target, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("atomicstore: rename %s: %w", target, err)
	}
	s.syncDir(filepath.Dir(target))

	if err := s.fire(StageVerifyTarget, target); err != nil {
		if isCrash(err) {
			return err
		}
		return fmt.Errorf("%w: %s: %v", ErrVerificationFailed, target, err)
	}
	return verifyFile(target, content, validate)
}

// restore puts the pre-call state of target back after a failed commit.
func (s *Store) restore(target, backup string, hadTarget bool) {
	if !hadTarget {
		if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			debugLog.Errorf("failed to remove unverified target %s: %v", target, err)
		}
		return
	}
	if err := os.Rename(backup, target); err != nil {
		debugLog.Errorf("failed to restore %s from backup: %v", target, err)
		return
	}
	s.syncDir(filepath.Dir(target))
	debugLog.Warnf("restored %s from backup after failed write", target)
}

// Read returns the content of path. While a concurrent write holds the target in the
// transient "backup present, target missing" state, Read retries, and finally falls back
// to the backup content.
func (s *Store) Read(path string) ([]byte, error) {
	backup := path + backupSuffix
	for attempt := 0; attempt < s.readAttempts; attempt++ {
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("atomicstore: read %s: %w", path, err)
		}
		if ok, _ := exists(backup); !ok {
			return nil, fmt.Errorf("atomicstore: read %s: %w", path, err)
		}
		time.Sleep(s.readDelay)
	}

	data, err := os.ReadFile(backup)
	if err != nil {
		return nil, fmt.Errorf("atomicstore: read %s: %w", path, err)
	}
	debugLog.Warnf("read %s from backup: target still missing after %d attempts", path, s.readAttempts)
	return data, nil
}

// Exists reports whether path exists (ignoring in-flight temporaries).
func (s *Store) Exists(path string) (bool, error) {
	return exists(path)
}

// Recover cleans up after a crash anywhere below dir: stray temporaries are removed,
// missing targets are restored from their backups, and stale backups are dropped.
// It returns the number of files it repaired or removed.
func (s *Store) Recover(dir string) (int, error) {
	repaired := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch {
		case strings.HasSuffix(path, tempSuffix):
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("atomicstore: remove temp %s: %w", path, err)
			}
			repaired++
			debugLog.Infof("recover: removed stray temp %s", path)
		case strings.HasSuffix(path, backupSuffix):
			target := strings.TrimSuffix(path, backupSuffix)
			ok, err := exists(target)
			if err != nil {
				return err
			}
			if ok {
				if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
					return fmt.Errorf("atomicstore: remove backup %s: %w", path, err)
				}
				debugLog.Infof("recover: dropped stale backup %s", path)
			} else {
				if err := os.Rename(path, target); err != nil {
					return fmt.Errorf("atomicstore: restore %s: %w", target, err)
				}
				debugLog.Warnf("recover: restored %s from backup", target)
			}
			repaired++
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return repaired, err
	}
	return repaired, nil
}

// IsScratchFile reports whether name is a temporary or backup file managed by the store.
func IsScratchFile(name string) bool {
	return strings.HasSuffix(name, tempSuffix) || strings.HasSuffix(name, backupSuffix)
}

func (s *Store) writeFile(path string, content []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, s.fileMode)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return err
	}
	if s.sync {
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

func (s *Store) copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, s.fileMode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if s.sync {
		if err := out.Sync(); err != nil {
			out.Close()
			return err
		}
	}
	return out.Close()
}

func (s *Store) syncDir(dir string) {
	if !s.sync {
		return
	}
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func verifyFile(path string, want []byte, validate Validator) error {
	got, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: re-read %s: %v", ErrVerificationFailed, path, err)
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("%w: %s: content mismatch after write", ErrVerificationFailed, path)
	}
	if validate != nil {
		if err := validate(got); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrVerificationFailed, path, err)
		}
	}
	return nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("atomicstore: stat %s: %w", path, err)
}
