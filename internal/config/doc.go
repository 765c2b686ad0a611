// Package config provides configuration management for batch-downloader.
//
// This package handles:
//   - Loading and saving settings from JSON files
//   - Default configuration values
//   - Validation of pool sizes, buffer sizes and enum values
//   - Conversion to the HTTP client configuration
//
// # Default Settings
//
// Use DefaultSettings() to get sensible defaults:
//
//	settings := config.DefaultSettings()
//	// Downloads to ~/Downloads/batches
//	// One batch at a time, four files in parallel
//	// 4 KiB copy buffer, progress checkpointed every 1 MiB
//
// # Loading from File
//
//	settings, err := config.Load(config.DefaultPath())
//	if err != nil {
//	    // A missing file yields the defaults, only parse errors are returned
//	}
//	if err := settings.Validate(); err != nil {
//	    // Every invalid option is reported
//	}
//
// # Saving Settings
//
//	settings.AllowedConnection = "unmetered"
//	err := settings.Save(config.DefaultPath())
//
// # Configuration Options
//
// Settings includes options for:
//   - Storage root, new and legacy database locations
//   - Concurrent batch and file limits
//   - Copy buffer size and checkpoint interval
//   - Allowed connection type
//   - Request retry behavior and proxy configuration
//   - Log level and metrics endpoint
package config
