package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalStoreAtomicOperations(t *testing.T) {
	// Create temp directory
	tmpDir, err := os.MkdirTemp("", "catalog-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := NewLocalStore(tmpDir, "out/")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	ctx := context.Background()
	catalogData := []byte(`{"locatorId":"main"}`)
	hashData := []byte("0123")

	tempCatalog, err := store.WriteTemp(ctx, "catalog.json", catalogData)
	if err != nil {
		t.Fatalf("WriteTemp failed: %v", err)
	}
	if _, err := os.Stat(store.path(tempCatalog)); os.IsNotExist(err) {
		t.Error("temp catalog file should exist")
	}
	tempHash, err := store.WriteTemp(ctx, "catalog.json.hash", hashData)
	if err != nil {
		t.Fatalf("WriteTemp failed: %v", err)
	}

	// Final files should not exist yet
	if ok, _ := store.Exists(ctx, "catalog.json"); ok {
		t.Error("final catalog should not exist before Finalize")
	}

	err = store.Finalize(ctx, []Move{
		{Temp: tempCatalog, Final: "catalog.json"},
		{Temp: tempHash, Final: "catalog.json.hash"},
	})
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	got, err := store.Read(ctx, "catalog.json")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != string(catalogData) {
		t.Errorf("catalog contents = %q, want %q", got, catalogData)
	}
	if _, err := os.Stat(store.path(tempCatalog)); !os.IsNotExist(err) {
		t.Error("temp catalog file should be gone after Finalize")
	}

	info, err := store.Head(ctx, "catalog.json.hash")
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if info.Size != int64(len(hashData)) {
		t.Errorf("size = %d, want %d", info.Size, len(hashData))
	}

	keys, err := store.List(ctx, "catalog")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "catalog.json" || keys[1] != "catalog.json.hash" {
		t.Errorf("List = %v", keys)
	}
}

func TestLocalStoreAbort(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	ctx := context.Background()

	tmp, err := store.WriteTemp(ctx, "bundles/a.bundle", []byte("a"))
	if err != nil {
		t.Fatalf("WriteTemp failed: %v", err)
	}
	if err := store.Abort(ctx, []string{tmp}); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.baseDir, tmp)); !os.IsNotExist(err) {
		t.Error("temp file should be removed after Abort")
	}
}

func TestLocalStoreDeleteAndRead(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	ctx := context.Background()

	if err := store.Write(ctx, "Library/linux/chars.bundle", []byte("bytes")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if ok, err := store.Exists(ctx, "Library/linux/chars.bundle"); err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	if err := store.Delete(ctx, "Library/linux/chars.bundle"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "Library/linux/chars.bundle"); err != nil {
		t.Errorf("deleting a missing file should succeed: %v", err)
	}
	if _, err := store.Read(ctx, "Library/linux/chars.bundle"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read missing = %v, want ErrNotFound", err)
	}
}

func TestMemStorePublish(t *testing.T) {
	store, err := NewMemStore("build/")
	if err != nil {
		t.Fatalf("NewMemStore failed: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	objects := map[string][]byte{
		"catalog.json":      []byte("{}"),
		"catalog.json.hash": []byte("ff"),
	}
	if err := Publish(ctx, store, objects, []string{"catalog.json", "catalog.json.hash"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	keys, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("List = %v, want 2 keys without temps", keys)
	}
	if got := store.URI("catalog.json"); got != "mem:///build/catalog.json" {
		t.Errorf("URI = %q", got)
	}
	if _, err := store.Head(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Head missing = %v, want ErrNotFound", err)
	}
}

func TestFileRegistryReplace(t *testing.T) {
	r := NewFileRegistry("build/new.bundle", "build/other.bundle")

	if err := r.Replace("build/new.bundle", "build/old.bundle"); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if r.Contains("build/new.bundle") || !r.Contains("build/old.bundle") {
		t.Errorf("Paths after replace = %v", r.Paths())
	}
	if err := r.Replace("build/missing.bundle", "x"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Replace unknown = %v, want ErrNotRegistered", err)
	}
	if err := r.Replace("build/other.bundle", "build/old.bundle"); !errors.Is(err, ErrPathCollision) {
		t.Errorf("Replace collision = %v, want ErrPathCollision", err)
	}
	if !r.Contains("build/other.bundle") {
		t.Error("failed replace must leave the registry unchanged")
	}
}

func TestBatchCommit(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	ctx := context.Background()

	batch := NewBatch(store)
	batch.Write(ctx, "catalog.json", []byte("old"))
	batch.Write(ctx, "catalog.json.hash", []byte("ff"))
	batch.Write(ctx, "catalog.json", []byte("new"))

	if ok, _ := store.Exists(ctx, "catalog.json"); ok {
		t.Fatal("batch wrote before Commit")
	}
	if err := batch.Commit(ctx); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	data, err := store.Read(ctx, "catalog.json")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != "new" {
		t.Errorf("catalog.json = %q, want last write", data)
	}
	keys, err := store.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("List = %v, want 2 keys", keys)
	}
}
