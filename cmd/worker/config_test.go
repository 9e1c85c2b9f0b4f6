package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/braydenhuang/network-threat-detector/internal/config"
)

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

// unsetenv clears key for the test. godotenv never overrides a variable
// that is present, even when empty.
func unsetenv(t *testing.T, key string) {
	t.Setenv(key, "")
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("unset %s: %v", key, err)
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("WORKER_STAGE", "")
	t.Setenv("METRICS_ADDR", "")

	cfg, err := loadConfig([]string{"-env", noEnvFile(t)})
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.WorkerStage != config.StageExtract {
		t.Fatalf("unexpected stage: %s", cfg.WorkerStage)
	}
	if cfg.MetricsAddr != "" {
		t.Fatalf("unexpected metrics addr: %s", cfg.MetricsAddr)
	}
}

func TestLoadConfigStageFlagOverridesEnv(t *testing.T) {
	t.Setenv("WORKER_STAGE", "extract")

	cfg, err := loadConfig([]string{"-env", noEnvFile(t), "-stage", "INFER", "-metrics-addr", ":9102"})
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.WorkerStage != config.StageInfer {
		t.Fatalf("stage flag not applied: %s", cfg.WorkerStage)
	}
	if cfg.MetricsAddr != ":9102" {
		t.Fatalf("metrics flag not applied: %s", cfg.MetricsAddr)
	}
}

func TestLoadConfigInvalidStage(t *testing.T) {
	if _, err := loadConfig([]string{"-env", noEnvFile(t), "-stage", "score"}); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}

func TestLoadConfigEnvFile(t *testing.T) {
	unsetenv(t, "WORKER_STAGE")
	unsetenv(t, "INFER_QUEUE")
	path := filepath.Join(t.TempDir(), "worker.env")
	writeFile(t, path, "WORKER_STAGE=infer\nINFER_QUEUE=ml_custom\n")

	cfg, err := loadConfig([]string{"-env", path})
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.WorkerStage != config.StageInfer || cfg.InferQueue != "ml_custom" {
		t.Fatalf("env file not applied: stage=%s queue=%s", cfg.WorkerStage, cfg.InferQueue)
	}
}
