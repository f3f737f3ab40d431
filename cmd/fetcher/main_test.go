package main

import (
	"path/filepath"
	"testing"

	"stockflux/internal/jobstore"
)

func TestBuildJobStoreDefaultsToFile(t *testing.T) {
	store, err := buildJobStore(storeSettings{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*jobstore.FileStore); !ok {
		t.Fatalf("expected file store, got %T", store)
	}
}

func TestBuildJobStoreSelectsDriver(t *testing.T) {
	store, err := buildJobStore(storeSettings{Driver: "memory"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*jobstore.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}

	store, err = buildJobStore(storeSettings{FilePath: filepath.Join(t.TempDir(), "run.json")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*jobstore.FileStore); !ok {
		t.Fatalf("expected file store for file path, got %T", store)
	}

	store, err = buildJobStore(storeSettings{RedisAddr: "127.0.0.1:6379"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*jobstore.RedisStore); !ok {
		t.Fatalf("expected redis store for redis addr, got %T", store)
	}
}

func TestBuildJobStoreRejectsBadConfig(t *testing.T) {
	if _, err := buildJobStore(storeSettings{Driver: "redis"}); err == nil {
		t.Fatal("expected error for redis driver without address")
	}
	if _, err := buildJobStore(storeSettings{Driver: "etcd"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
