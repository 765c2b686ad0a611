package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/handiism/batch-downloader/internal/http"
	"github.com/handiism/batch-downloader/internal/model"
)

// Settings holds all configuration options.
type Settings struct {
	// Storage
	DownloadsPath      string `json:"downloads_path"`
	DatabasePath       string `json:"database_path"`
	LegacyDatabasePath string `json:"legacy_database_path"`
	LegacyFilesPath    string `json:"legacy_files_path"`

	// Download settings
	MaxConcurrentBatches int    `json:"max_concurrent_batches"`
	MaxConcurrentFiles   int    `json:"max_concurrent_files"`
	BufferSize           int    `json:"buffer_size"`
	CheckpointBytes      int64  `json:"checkpoint_bytes"`
	AllowedConnection    string `json:"allowed_connection_type"` // all, unmetered
	MeteredConnection    bool   `json:"metered_connection"`

	// HTTP settings
	HTTPTimeout         float64 `json:"http_timeout"` // seconds
	RequestMaxRetries   int     `json:"request_max_retries"`
	RequestRetryWaitMin float64 `json:"request_retry_wait_min"` // seconds
	RequestRetryWaitMax float64 `json:"request_retry_wait_max"` // seconds
	UserAgent           string  `json:"user_agent"`

	// Proxy settings
	ProxyType    string `json:"proxy_type"` // none, system, manual
	ProxyAddress string `json:"proxy_address"`
	ProxyPort    int    `json:"proxy_port"`

	// Observability
	LogLevel       string `json:"log_level"`
	MetricsAddress string `json:"metrics_address"`
}

// DefaultSettings returns settings with default values.
func DefaultSettings() *Settings {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local", "share", "batch-downloader")
	return &Settings{
		DownloadsPath:      filepath.Join(homeDir, "Downloads", "batches"),
		DatabasePath:       filepath.Join(dataDir, "downloads.db"),
		LegacyDatabasePath: filepath.Join(dataDir, "legacy.db"),
		LegacyFilesPath:    filepath.Join(dataDir, "legacy"),

		MaxConcurrentBatches: 1,
		MaxConcurrentFiles:   4,
		BufferSize:           4096,
		CheckpointBytes:      1 << 20,
		AllowedConnection:    "all",
		MeteredConnection:    false,

		HTTPTimeout:         60,
		RequestMaxRetries:   3,
		RequestRetryWaitMin: 1,
		RequestRetryWaitMax: 30,
		UserAgent:           "BatchDownloader",

		ProxyType: "system",

		LogLevel: "info",
	}
}

// DefaultPath returns the settings file location under the user config dir.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir, _ = os.UserHomeDir()
	}
	return filepath.Join(dir, "batch-downloader", "settings.json")
}

// Load reads settings from a JSON file.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultSettings(), nil
		}
		return nil, err
	}

	settings := DefaultSettings()
	if err := json.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("parse settings %s: %w", path, err)
	}

	return settings, nil
}

// Save writes settings to a JSON file.
func (s *Settings) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate reports every invalid option at once.
func (s *Settings) Validate() error {
	var errs []error
	if s.DownloadsPath == "" {
		errs = append(errs, errors.New("downloads_path must not be empty"))
	}
	if s.DatabasePath == "" {
		errs = append(errs, errors.New("database_path must not be empty"))
	}
	if s.MaxConcurrentBatches <= 0 {
		errs = append(errs, fmt.Errorf("max_concurrent_batches must be positive, got %d", s.MaxConcurrentBatches))
	}
	if s.MaxConcurrentFiles <= 0 {
		errs = append(errs, fmt.Errorf("max_concurrent_files must be positive, got %d", s.MaxConcurrentFiles))
	}
	if s.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("buffer_size must be positive, got %d", s.BufferSize))
	}
	if s.CheckpointBytes <= 0 {
		errs = append(errs, fmt.Errorf("checkpoint_bytes must be positive, got %d", s.CheckpointBytes))
	}
	if s.RequestMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("request_max_retries must not be negative, got %d", s.RequestMaxRetries))
	}
	if _, err := s.ConnectionType(); err != nil {
		errs = append(errs, err)
	}
	switch s.ProxyType {
	case "", "none", "system":
	case "manual":
		if s.ProxyAddress == "" {
			errs = append(errs, errors.New("proxy_address is required for manual proxy"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown proxy_type %q", s.ProxyType))
	}
	return errors.Join(errs...)
}

// ConnectionType parses the allowed connection type.
func (s *Settings) ConnectionType() (model.ConnectionType, error) {
	return model.ParseConnectionType(s.AllowedConnection)
}

// StorageRoot returns the downloads directory as a storage root.
func (s *Settings) StorageRoot() model.StorageRoot {
	return model.DirRoot(s.DownloadsPath)
}

// ToClientConfig converts settings to an HTTP client configuration.
func (s *Settings) ToClientConfig() http.ClientConfig {
	cfg := http.ClientConfig{
		Timeout:      seconds(s.HTTPTimeout),
		MaxRetries:   s.RequestMaxRetries,
		RetryWaitMin: seconds(s.RequestRetryWaitMin),
		RetryWaitMax: seconds(s.RequestRetryWaitMax),
		UserAgent:    s.UserAgent,
		ProxyMode:    s.ProxyType,
	}
	if s.ProxyType == "manual" && s.ProxyAddress != "" {
		cfg.ProxyURL = fmt.Sprintf("http://%s:%d", s.ProxyAddress, s.ProxyPort)
	}
	return cfg
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
