//go:build unix

package lifestore

import (
	"errors"
	"testing"
)

func TestDirLockIsExclusive(t *testing.T) {
	dir := t.TempDir()
	first, err := AcquireDirLock(dir)
	if err != nil {
		t.Fatalf("acquire first lock failed: %v", err)
	}
	if _, err := AcquireDirLock(dir); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected second lock to fail with ErrLocked, got %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	second, err := AcquireDirLock(dir)
	if err != nil {
		t.Fatalf("expected lock to be acquirable after release, got %v", err)
	}
	_ = second.Release()
}
