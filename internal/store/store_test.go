package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"sync"
	"testing"
)

func createTestStore(t *testing.T) Store {
	t.Helper()
	s, err := New(Config{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelError,
		})),
		Directory: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return s
}

func TestStore_GetSetDelete(t *testing.T) {
	s := createTestStore(t)

	t.Run("Set and Get basic value", func(t *testing.T) {
		if err := s.Set("key1", "value1"); err != nil {
			t.Errorf("Set() error = %v, wantErr nil", err)
		}
		got, err := s.Get("key1")
		if err != nil {
			t.Errorf("Get() error = %v, wantErr nil", err)
		}
		if got != "value1" {
			t.Errorf("Get() got = %v, want value1", got)
		}
	})

	t.Run("Get non-existent key", func(t *testing.T) {
		_, err := s.Get("missing")
		var keyNotFound *ErrKeyNotFound
		if !errors.As(err, &keyNotFound) {
			t.Errorf("Get() expected ErrKeyNotFound, got %T", err)
		}
	})

	t.Run("Delete returns removed value", func(t *testing.T) {
		if err := s.Set("doomed", "last words"); err != nil {
			t.Fatalf("Setup: Set() error = %v", err)
		}
		removed, err := s.Delete("doomed")
		if err != nil {
			t.Errorf("Delete() error = %v, wantErr nil", err)
		}
		if removed != "last words" {
			t.Errorf("Delete() got = %v, want 'last words'", removed)
		}
		if _, err := s.Get("doomed"); !errors.As(err, new(*ErrKeyNotFound)) {
			t.Errorf("Get() after Delete expected ErrKeyNotFound, got %v", err)
		}
	})

	t.Run("Delete non-existent key", func(t *testing.T) {
		_, err := s.Delete("never existed")
		if !errors.As(err, new(*ErrKeyNotFound)) {
			t.Errorf("Delete() expected ErrKeyNotFound, got %v", err)
		}
	})
}

func TestStore_CreateExclusive(t *testing.T) {
	s := createTestStore(t)

	if err := s.CreateExclusive("claim", "first"); err != nil {
		t.Fatalf("CreateExclusive() error = %v, wantErr nil", err)
	}

	err := s.CreateExclusive("claim", "second")
	var keyExists *ErrKeyExists
	if !errors.As(err, &keyExists) {
		t.Fatalf("CreateExclusive() expected ErrKeyExists, got %v", err)
	}
	if keyExists.Key != "claim" {
		t.Errorf("ErrKeyExists.Key got = %s, want claim", keyExists.Key)
	}

	// The winning value must survive the losing attempt.
	got, err := s.Get("claim")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "first" {
		t.Errorf("Get() got = %v, want first", got)
	}
}

func TestStore_Update(t *testing.T) {
	s := createTestStore(t)

	if err := s.Update("absent", "value"); !errors.As(err, new(*ErrKeyNotFound)) {
		t.Errorf("Update() of absent key expected ErrKeyNotFound, got %v", err)
	}

	if err := s.Set("present", "v1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Update("present", "v2"); err != nil {
		t.Errorf("Update() error = %v, wantErr nil", err)
	}
	got, _ := s.Get("present")
	if got != "v2" {
		t.Errorf("Get() got = %v, want v2", got)
	}
}

func TestStore_Mutate(t *testing.T) {
	s := createTestStore(t)

	t.Run("absent key", func(t *testing.T) {
		err := s.Mutate("absent", func(current string) (string, error) {
			return current, nil
		})
		if !errors.As(err, new(*ErrKeyNotFound)) {
			t.Errorf("Mutate() of absent key expected ErrKeyNotFound, got %v", err)
		}
	})

	t.Run("rewrites the current value", func(t *testing.T) {
		if err := s.Set("greeting", "hello"); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		err := s.Mutate("greeting", func(current string) (string, error) {
			return current + " world", nil
		})
		if err != nil {
			t.Fatalf("Mutate() error = %v", err)
		}
		got, _ := s.Get("greeting")
		if got != "hello world" {
			t.Errorf("Get() got = %v, want 'hello world'", got)
		}
	})

	t.Run("fn error leaves the value untouched", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.Mutate("greeting", func(current string) (string, error) {
			return "", boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Mutate() error = %v, want boom", err)
		}
		got, _ := s.Get("greeting")
		if got != "hello world" {
			t.Errorf("Get() got = %v, want 'hello world'", got)
		}
	})
}

// Concurrent mutations of the same key must all land; a lost update here
// would silently drop a membership write upstream.
func TestStore_MutateConcurrent(t *testing.T) {
	s := createTestStore(t)

	if err := s.Set("counter", "0"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	const writers = 24
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Mutate("counter", func(current string) (string, error) {
				n, err := strconv.Atoi(current)
				if err != nil {
					return "", err
				}
				return strconv.Itoa(n + 1), nil
			})
			if err != nil {
				t.Errorf("Mutate() error = %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := s.Get("counter")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != strconv.Itoa(writers) {
		t.Errorf("Get() got = %v, want %d", got, writers)
	}
}

func TestStore_Exists(t *testing.T) {
	s := createTestStore(t)

	exists, err := s.Exists("ghost")
	if err != nil || exists {
		t.Errorf("Exists() got = (%v, %v), want (false, nil)", exists, err)
	}

	if err := s.Set("real", "x"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	exists, err = s.Exists("real")
	if err != nil || !exists {
		t.Errorf("Exists() got = (%v, %v), want (true, nil)", exists, err)
	}
}

func TestStore_IterateKeys(t *testing.T) {
	s := createTestStore(t)

	for i := 0; i < 5; i++ {
		if err := s.Set(fmt.Sprintf("family:%d", i), "v"); err != nil {
			t.Fatalf("Set() error = %v", err)
		}
	}
	if err := s.Set("other:0", "v"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	t.Run("prefix only", func(t *testing.T) {
		keys, err := s.IterateKeys("family:", 0, 0)
		if err != nil {
			t.Fatalf("IterateKeys() error = %v", err)
		}
		want := []string{"family:0", "family:1", "family:2", "family:3", "family:4"}
		if !reflect.DeepEqual(keys, want) {
			t.Errorf("IterateKeys() got = %v, want %v", keys, want)
		}
	})

	t.Run("offset and limit", func(t *testing.T) {
		keys, err := s.IterateKeys("family:", 1, 2)
		if err != nil {
			t.Fatalf("IterateKeys() error = %v", err)
		}
		want := []string{"family:1", "family:2"}
		if !reflect.DeepEqual(keys, want) {
			t.Errorf("IterateKeys() got = %v, want %v", keys, want)
		}
	})
}

func TestStore_Queue(t *testing.T) {
	s := createTestStore(t)

	t.Run("drain empty queue", func(t *testing.T) {
		items, err := s.QueueDrain("inbox")
		if err != nil {
			t.Fatalf("QueueDrain() error = %v", err)
		}
		if len(items) != 0 {
			t.Errorf("QueueDrain() got = %v, want empty", items)
		}
	})

	t.Run("append preserves order and reports length", func(t *testing.T) {
		for i, item := range []string{"a", "b", "c"} {
			n, err := s.QueueAppend("inbox", item)
			if err != nil {
				t.Fatalf("QueueAppend() error = %v", err)
			}
			if n != i+1 {
				t.Errorf("QueueAppend() length got = %d, want %d", n, i+1)
			}
		}
	})

	t.Run("drain returns everything exactly once", func(t *testing.T) {
		items, err := s.QueueDrain("inbox")
		if err != nil {
			t.Fatalf("QueueDrain() error = %v", err)
		}
		if !reflect.DeepEqual(items, []string{"a", "b", "c"}) {
			t.Errorf("QueueDrain() got = %v, want [a b c]", items)
		}

		again, err := s.QueueDrain("inbox")
		if err != nil {
			t.Fatalf("QueueDrain() second call error = %v", err)
		}
		if len(again) != 0 {
			t.Errorf("QueueDrain() second call got = %v, want empty", again)
		}
	})
}
