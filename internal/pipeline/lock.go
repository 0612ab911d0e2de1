package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrLocked is returned when another build holds the lock.
var ErrLocked = errors.New("another build is running")

// Lock is an exclusive lock file.
type Lock struct {
	path string
}

// AcquireLock creates path exclusively and records owner in it. It fails
// with ErrLocked if the file already exists.
func AcquireLock(path, owner string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			holder, _ := os.ReadFile(path)
			return nil, fmt.Errorf("%w: %s held by %s", ErrLocked, path, holder)
		}
		return nil, fmt.Errorf("creating lock: %w", err)
	}
	_, werr := fmt.Fprintf(f, "%s pid=%d", owner, os.Getpid())
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing lock: %w", werr)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
