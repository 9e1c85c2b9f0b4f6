package blob

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPutFileAndFetchToFile(t *testing.T) {
	ctx := context.Background()
	tmp := t.TempDir()
	src := filepath.Join(tmp, "capture.pcap")
	if err := os.WriteFile(src, []byte("pcap-bytes"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	store := NewMemory()
	n, err := PutFile(ctx, store, "uploads/abc.pcap", src)
	if err != nil {
		t.Fatalf("PutFile returned error: %v", err)
	}
	if n != int64(len("pcap-bytes")) {
		t.Fatalf("unexpected size: %d", n)
	}

	dst := t.TempDir()
	path, err := FetchToFile(ctx, store, "uploads/abc.pcap", dst)
	if err != nil {
		t.Fatalf("FetchToFile returned error: %v", err)
	}
	if filepath.Base(path) != "abc.pcap" {
		t.Fatalf("expected key base name, got %s", path)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read fetched file: %v", err)
	}
	if string(got) != "pcap-bytes" {
		t.Fatalf("unexpected contents: %q", got)
	}
}

func TestFetchToFileMissingKey(t *testing.T) {
	_, err := FetchToFile(context.Background(), NewMemory(), "flows/none.csv", t.TempDir())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPutFileMissingFile(t *testing.T) {
	if _, err := PutFile(context.Background(), NewMemory(), "k", "/not/exist.csv"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestPutPropagatesStoreErrors(t *testing.T) {
	store := NewMemory()
	expected := errors.New("bucket offline")
	store.SetUnavailable(expected)

	_, err := store.Put(context.Background(), "k", bytes.NewReader([]byte("x")))
	if !errors.Is(err, expected) {
		t.Fatalf("expected store error, got %v", err)
	}
	if err := store.Ping(context.Background()); !errors.Is(err, expected) {
		t.Fatalf("expected ping error, got %v", err)
	}
}

func TestKeyShapes(t *testing.T) {
	if k := UploadKey(); !strings.HasPrefix(k, "uploads/") || !strings.HasSuffix(k, ".pcap") {
		t.Fatalf("unexpected upload key %s", k)
	}
	if k := FlowKey(); !strings.HasPrefix(k, "flows/") || !strings.HasSuffix(k, ".csv") {
		t.Fatalf("unexpected flow key %s", k)
	}
	if k := PredictionKey(); !strings.HasPrefix(k, "predictions/") || !strings.HasSuffix(k, ".csv") {
		t.Fatalf("unexpected prediction key %s", k)
	}
	if UploadKey() == UploadKey() {
		t.Fatal("upload keys must be unique")
	}
}

func TestSizeOfRespectsCurrentOffset(t *testing.T) {
	r := bytes.NewReader([]byte("0123456789"))
	if _, err := r.Seek(4, 0); err != nil {
		t.Fatalf("seek: %v", err)
	}
	n, err := sizeOf(r)
	if err != nil {
		t.Fatalf("sizeOf: %v", err)
	}
	if n != 6 {
		t.Fatalf("expected 6 remaining bytes, got %d", n)
	}
	pos, _ := r.Seek(0, 1)
	if pos != 4 {
		t.Fatalf("offset not restored: %d", pos)
	}
}
