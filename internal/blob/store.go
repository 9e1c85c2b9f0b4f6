// Package blob stores pipeline artifacts (captures, flow tables, prediction
// tables) in an object store addressed by key.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("object not found")

const (
	UploadsPrefix     = "uploads/"
	FlowsPrefix       = "flows/"
	PredictionsPrefix = "predictions/"

	// UploadRetentionDays is how long raw captures are kept.
	UploadRetentionDays = 7
)

type Store interface {
	// Put stores body under key and returns the number of bytes written.
	Put(ctx context.Context, key string, body io.ReadSeeker) (int64, error)
	// Get returns ErrNotFound for a missing key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Ping(ctx context.Context) error
	// ExpirePrefix installs a lifecycle rule deleting objects under prefix
	// the given number of days after creation.
	ExpirePrefix(ctx context.Context, prefix string, days int32) error
}

func UploadKey() string     { return UploadsPrefix + uuid.NewString() + ".pcap" }
func FlowKey() string       { return FlowsPrefix + uuid.NewString() + ".csv" }
func PredictionKey() string { return PredictionsPrefix + uuid.NewString() + ".csv" }

// FetchToFile downloads key into dir, keeping the key's base name, and
// returns the local path.
func FetchToFile(ctx context.Context, store Store, key, dir string) (string, error) {
	reader, err := store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", key, err)
	}
	defer reader.Close()

	path := filepath.Join(dir, filepath.Base(key))
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create local file: %w", err)
	}
	if _, err := io.Copy(out, reader); err != nil {
		out.Close()
		os.Remove(path)
		return "", fmt.Errorf("copy %s to disk: %w", key, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("close local file: %w", err)
	}
	return path, nil
}

// PutFile uploads a local file under key.
func PutFile(ctx context.Context, store Store, key, path string) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer file.Close()

	n, err := store.Put(ctx, key, file)
	if err != nil {
		return 0, fmt.Errorf("upload %s: %w", key, err)
	}
	return n, nil
}

// ReadAll fetches a whole object into memory.
func ReadAll(ctx context.Context, store Store, key string) ([]byte, error) {
	reader, err := store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}

func sizeOf(body io.ReadSeeker) (int64, error) {
	cur, err := body.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	end, err := body.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := body.Seek(cur, io.SeekStart); err != nil {
		return 0, err
	}
	return end - cur, nil
}
