package classifier

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// DefaultModelFile is looked up next to the executable and in the working
// directory when no explicit path is configured.
const DefaultModelFile = "ml/model.json"

var ErrModelNotFound = errors.New("classifier bundle not found")

// Loader loads the bundle on first use and hands out the same instance
// afterwards. A failed load is not cached.
type Loader struct {
	candidates []string
	logger     *slog.Logger

	mu     sync.Mutex
	bundle *Bundle
}

// NewLoader searches override (when set), then DefaultModelFile next to the
// executable, then DefaultModelFile in the working directory.
func NewLoader(override string, logger *slog.Logger) *Loader {
	var candidates []string
	if override != "" {
		candidates = append(candidates, override)
	}
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), DefaultModelFile))
	}
	candidates = append(candidates, DefaultModelFile)
	return &Loader{candidates: candidates, logger: logger}
}

// Preloaded returns a loader that always yields b.
func Preloaded(b *Bundle) *Loader {
	return &Loader{bundle: b}
}

func (l *Loader) Bundle() (*Bundle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bundle != nil {
		return l.bundle, nil
	}

	path := ""
	for _, c := range l.candidates {
		if _, err := os.Stat(c); err == nil {
			path = c
			break
		}
	}
	if path == "" {
		return nil, fmt.Errorf("%w: tried %v (set MODEL_PATH)", ErrModelNotFound, l.candidates)
	}

	b, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if l.logger != nil {
		l.logger.Info("loaded classifier bundle", "path", path, "features", len(b.FeatureNames))
	}
	l.bundle = b
	return b, nil
}

func LoadFile(path string) (*Bundle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer f.Close()
	b, err := DecodeBundle(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}
