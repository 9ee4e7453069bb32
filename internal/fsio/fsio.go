// Package fsio funnels every JSON file the service persists through one
// guarded path: bulkhead admission, then the circuit breaker, then retry
// with backoff.
package fsio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"

	"github.com/erauner12/stocksync-api/internal/resilience"
)

// Files performs guarded JSON file I/O. Concurrency is bounded by the
// bulkhead, repeated faults trip the breaker, and individual operations are
// retried with backoff before a failure surfaces.
type Files struct {
	bulkhead *resilience.Bulkhead
	breaker  *resilience.CircuitBreaker
	retryer  *resilience.Retryer
}

func New(b *resilience.Bulkhead, cb *resilience.CircuitBreaker, r *resilience.Retryer) *Files {
	return &Files{bulkhead: b, breaker: cb, retryer: r}
}

func (f *Files) execute(ctx context.Context, name string, op func(context.Context) error) error {
	return f.bulkhead.Run(ctx, func() error {
		return f.breaker.Execute(ctx, func() error {
			return f.retryer.Do(ctx, name, op)
		})
	})
}

// ReadJSON reads path into v. A missing file surfaces as os.ErrNotExist via
// errors.Is; callers that treat absence as empty state check for it.
func (f *Files) ReadJSON(ctx context.Context, path string, v any) error {
	return f.execute(ctx, "read "+filepath.Base(path), func(context.Context) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, v); err != nil {
			// corrupt content does not heal by rereading
			return resilience.NonRetryable(fmt.Errorf("decode %s: %w", filepath.Base(path), err))
		}
		return nil
	})
}

// WriteJSONAtomic pretty-prints v and writes it through a temp file plus
// rename, so readers never observe a torn file. Parent directories are
// created as needed.
func (f *Files) WriteJSONAtomic(ctx context.Context, path string, v any) error {
	data, err := marshalPretty(v)
	if err != nil {
		return err
	}
	return f.execute(ctx, "write "+filepath.Base(path), func(context.Context) error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return atomic.WriteFile(path, bytes.NewReader(data))
	})
}

// WriteJSON is the in-place variant for files where a torn write is
// tolerable and self-healing on the read side.
func (f *Files) WriteJSON(ctx context.Context, path string, v any) error {
	data, err := marshalPretty(v)
	if err != nil {
		return err
	}
	return f.execute(ctx, "write "+filepath.Base(path), func(context.Context) error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(path, data, 0o644)
	})
}

// Exists reports whether path exists.
func (f *Files) Exists(ctx context.Context, path string) (bool, error) {
	var found bool
	err := f.execute(ctx, "stat "+filepath.Base(path), func(context.Context) error {
		_, err := os.Stat(path)
		if err == nil {
			found = true
			return nil
		}
		if errors.Is(err, os.ErrNotExist) {
			found = false
			return nil
		}
		return err
	})
	return found, err
}

// EnsureDir creates dir and any missing parents.
func (f *Files) EnsureDir(ctx context.Context, dir string) error {
	return f.execute(ctx, "mkdir "+filepath.Base(dir), func(context.Context) error {
		return os.MkdirAll(dir, 0o755)
	})
}

// Delete removes path; a missing file is not an error.
func (f *Files) Delete(ctx context.Context, path string) error {
	return f.execute(ctx, "delete "+filepath.Base(path), func(context.Context) error {
		err := os.Remove(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	})
}

// ReadDir lists dir entries, used by the snapshot directory scan. A missing
// directory reads as empty.
func (f *Files) ReadDir(ctx context.Context, dir string) ([]os.DirEntry, error) {
	var entries []os.DirEntry
	err := f.execute(ctx, "readdir "+filepath.Base(dir), func(context.Context) error {
		var err error
		entries, err = os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			entries = nil
			return nil
		}
		return err
	})
	return entries, err
}

func marshalPretty(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
