package lock

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/memstore-dev/memstore/internal/memstoreerr"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.lock")

	unlock, err := Acquire(path, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(path + ".pid"); err != nil {
		t.Errorf("expected pid diagnostic file to exist: %v", err)
	}

	unlock()
	if _, err := os.Stat(path + ".pid"); !os.IsNotExist(err) {
		t.Errorf("expected pid diagnostic file to be removed after unlock")
	}

	// idempotent
	unlock()
}

func TestAcquireTimesOutWhenHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.lock")

	unlock1, err := Acquire(path, time.Second)
	if err != nil {
		t.Fatalf("unexpected error acquiring first lock: %v", err)
	}
	defer unlock1()

	start := time.Now()
	_, err = Acquire(path, 300*time.Millisecond)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if !memstoreerr.Is(err, memstoreerr.KindCapture) {
		t.Errorf("expected KindCapture error, got %v", err)
	}
	if elapsed < 300*time.Millisecond {
		t.Errorf("expected acquire to block roughly until timeout, elapsed %s", elapsed)
	}
}

func TestAcquireSucceedsAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.lock")

	unlock1, err := Acquire(path, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var secondErr error
	go func() {
		defer wg.Done()
		unlock2, err := Acquire(path, 2*time.Second)
		if err == nil {
			unlock2()
		}
		secondErr = err
	}()

	time.Sleep(50 * time.Millisecond)
	unlock1()
	wg.Wait()

	if secondErr != nil {
		t.Errorf("expected second acquire to succeed once first released, got %v", secondErr)
	}
}

func TestTryAcquireNonBlocking(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.lock")

	unlock1, ok, err := TryAcquire(path)
	if err != nil || !ok {
		t.Fatalf("expected first try-acquire to succeed, ok=%v err=%v", ok, err)
	}
	defer unlock1()

	_, ok2, err := TryAcquire(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok2 {
		t.Errorf("expected second try-acquire to fail while first holds the lock")
	}
}
