// Package config loads process settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	BackendNATS   = "nats"
	BackendS3     = "s3"
	BackendMemory = "memory"

	StageExtract = "extract"
	StageInfer   = "infer"

	DefaultFlowMeterCommand = "gradle --no-daemon -Pcmdargs={input}:{output} runcmd"
)

type NATSConfig struct {
	URL      string
	User     string
	Password string
	Token    string
}

type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Bucket          string
}

type Config struct {
	BrokerBackend  string
	NATS           NATSConfig
	ExtractQueue   string
	InferQueue     string
	StorageBackend string
	S3             S3Config

	ModelPath        string
	FlowMeterCommand string
	FlowMeterDir     string
	ScratchDir       string
	WritePredictions bool

	HTTPAddr        string
	MetricsAddr     string
	MaxUploadBytes  int64
	CORSOrigins     []string
	LogLevel        string
	LogFormat       string
	EmbeddedWorkers bool
	WorkerStage     string
}

// Load reads the configuration. A missing env file is not an error.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}

	cfg := &Config{
		BrokerBackend: strings.ToLower(getenv("BROKER_BACKEND", BackendNATS)),
		NATS: NATSConfig{
			URL:      getenv("NATS_URL", "nats://127.0.0.1:4222"),
			User:     getenv("NATS_USER", ""),
			Password: getenv("NATS_PASSWORD", ""),
			Token:    getenv("NATS_TOKEN", ""),
		},
		ExtractQueue:   getenv("EXTRACT_QUEUE", "pcap_jobs"),
		InferQueue:     getenv("INFER_QUEUE", "ml_jobs"),
		StorageBackend: strings.ToLower(getenv("STORAGE_BACKEND", BackendS3)),
		S3: S3Config{
			Endpoint:        getenv("S3_ENDPOINT_URL", "http://minio:9000"),
			AccessKeyID:     getenv("AWS_ACCESS_KEY_ID", "admin"),
			SecretAccessKey: getenv("AWS_SECRET_ACCESS_KEY", "password"),
			Region:          getenv("AWS_DEFAULT_REGION", "us-east-1"),
			Bucket:          getenv("S3_BUCKET", "network-threat-detector"),
		},
		ModelPath:        getenv("MODEL_PATH", ""),
		FlowMeterCommand: getenv("FLOWMETER_COMMAND", DefaultFlowMeterCommand),
		FlowMeterDir:     getenv("FLOWMETER_DIR", "/worker"),
		ScratchDir:       getenv("SCRATCH_DIR", os.TempDir()),
		HTTPAddr:         getenv("HTTP_ADDR", ":8080"),
		MetricsAddr:      getenv("METRICS_ADDR", ""),
		CORSOrigins:      splitList(getenv("CORS_ORIGINS", "*")),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		LogFormat:        getenv("LOG_FORMAT", "text"),
		WorkerStage:      strings.ToLower(getenv("WORKER_STAGE", StageExtract)),
	}

	var err error
	if cfg.WritePredictions, err = parseBool(getenv("WRITE_PREDICTIONS", "false"), "WRITE_PREDICTIONS"); err != nil {
		return nil, err
	}
	if cfg.EmbeddedWorkers, err = parseBool(getenv("EMBEDDED_WORKERS", "false"), "EMBEDDED_WORKERS"); err != nil {
		return nil, err
	}
	maxUpload, err := parsePositiveInt(getenv("MAX_UPLOAD_BYTES", "536870912"), "MAX_UPLOAD_BYTES")
	if err != nil {
		return nil, err
	}
	cfg.MaxUploadBytes = int64(maxUpload)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.BrokerBackend {
	case BackendNATS, BackendMemory:
	default:
		return fmt.Errorf("BROKER_BACKEND must be %q or %q (got %q)", BackendNATS, BackendMemory, c.BrokerBackend)
	}
	switch c.StorageBackend {
	case BackendS3, BackendMemory:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be %q or %q (got %q)", BackendS3, BackendMemory, c.StorageBackend)
	}
	switch c.WorkerStage {
	case StageExtract, StageInfer:
	default:
		return fmt.Errorf("WORKER_STAGE must be %q or %q (got %q)", StageExtract, StageInfer, c.WorkerStage)
	}
	if c.ExtractQueue == "" || c.InferQueue == "" {
		return errors.New("EXTRACT_QUEUE and INFER_QUEUE must be set")
	}
	if c.ExtractQueue == c.InferQueue {
		return fmt.Errorf("EXTRACT_QUEUE and INFER_QUEUE must differ (both %q)", c.ExtractQueue)
	}
	if c.StorageBackend == BackendS3 && c.S3.Bucket == "" {
		return errors.New("S3_BUCKET must be set")
	}
	return nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func parsePositiveInt(value string, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %d)", name, v)
	}
	return v, nil
}

func parseBool(value string, name string) (bool, error) {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
