package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type (
	Config struct {
		Listen         string   `yaml:"listen"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		Storage        Storage  `yaml:"storage"`
		Log            Log      `yaml:"log"`
		Auth           Auth     `yaml:"auth"`
	}

	Storage struct {
		Type           string `yaml:"type"`
		LocalPath      string `yaml:"local_path"`
		DataSourceName string `yaml:"data_source_name"`
		S3Bucket       string `yaml:"s3_bucket"`
		S3Prefix       string `yaml:"s3_prefix"`
	}

	Log struct {
		Enabled bool   `yaml:"enabled"`
		Level   string `yaml:"level"`
		Format  string `yaml:"format"`
		Buffer  int    `yaml:"buffer"`
	}

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	}
)

const (
	StorageMemory     = "memory"
	StorageFilesystem = "filesystem"
	StorageSQLite     = "sqlite"
	StorageS3         = "s3"
)

// Default returns the configuration used when nothing else is provided.
func Default() Config {
	return Config{
		Listen: ":3002",
		AllowedOrigins: []string{
			"tauri://localhost",
			"http://localhost",
			"http://127.0.0.1",
		},
		Storage: Storage{
			Type:           StorageMemory,
			LocalPath:      "./data",
			DataSourceName: "drawings.db",
			S3Prefix:       "drawings/",
		},
		Log: Log{
			Enabled: true,
			Level:   "info",
			Format:  "text",
			Buffer:  1024,
		},
	}
}

// Load builds a Config from defaults, an optional YAML file, a .env file in
// the working directory and finally the process environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found")
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}

	setString("LISTEN_ADDR", &c.Listen)
	setString("STORAGE_TYPE", &c.Storage.Type)
	setString("LOCAL_STORAGE_PATH", &c.Storage.LocalPath)
	setString("DATA_SOURCE_NAME", &c.Storage.DataSourceName)
	setString("S3_BUCKET_NAME", &c.Storage.S3Bucket)
	setString("S3_PREFIX", &c.Storage.S3Prefix)
	setString("LOG_LEVEL", &c.Log.Level)
	setString("LOG_FORMAT", &c.Log.Format)
	setString("JWT_SECRET", &c.Auth.JWTSecret)

	if v, ok := os.LookupEnv("LOG_ENABLED"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid LOG_ENABLED %q: %w", v, err)
		}
		c.Log.Enabled = enabled
	}

	if v, ok := os.LookupEnv("ALLOWED_ORIGINS"); ok && v != "" {
		origins := make([]string, 0)
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				origins = append(origins, origin)
			}
		}
		c.AllowedOrigins = origins
	}

	return nil
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	switch c.Storage.Type {
	case StorageMemory, StorageFilesystem, StorageSQLite:
	case StorageS3:
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("storage type s3 requires a bucket name (S3_BUCKET_NAME)")
		}
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}

	if c.Log.Buffer < 0 {
		return fmt.Errorf("log buffer must not be negative")
	}

	return nil
}
