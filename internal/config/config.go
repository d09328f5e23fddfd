// Package config loads and saves the server's JSON configuration.
//
// Loading is field-at-a-time fault tolerant: a malformed field is
// logged and left at its previous value while the rest of the file
// still applies. Unknown keys are ignored. A .env file, when present,
// supplies environment overrides on top of the file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Default ports for the two server variants.
const (
	DefaultDesktopPort = 8900
	DefaultShellPort   = 9900
)

// FeatureFlags gates the session's auxiliary surfaces.
type FeatureFlags struct {
	FileTransfer     bool `json:"fileTransfer"`
	Chat             bool `json:"chat"`
	SessionRecording bool `json:"sessionRecording"`
	MultiMonitor     bool `json:"multiMonitor"`
	RemoteClipboard  bool `json:"remoteClipboard"`
	Theming          bool `json:"theming"`
}

// ServerConfig is the mutable server configuration. It is only ever
// changed through Load/Save on the server façade; sessions read it at
// construction for feature gating.
type ServerConfig struct {
	Port     int          `json:"port"`
	IPCPort  int          `json:"ipcPort"`
	AgentID  string       `json:"agentId"`
	Features FeatureFlags `json:"featureFlags"`
}

// Default returns the desktop-variant defaults: everything enabled,
// IPC one hundred ports above the service port.
func Default() ServerConfig {
	return ServerConfig{
		Port:    DefaultDesktopPort,
		IPCPort: DefaultDesktopPort + 100,
		Features: FeatureFlags{
			FileTransfer:     true,
			Chat:             true,
			SessionRecording: true,
			MultiMonitor:     true,
			RemoteClipboard:  true,
			Theming:          true,
		},
	}
}

// Load reads path into cfg, field by field. Fields that fail to parse
// keep their prior values; only an unreadable or syntactically broken
// file is reported as an error.
func Load(path string, cfg *ServerConfig, log zerolog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := Apply(data, cfg, log); err != nil {
		return err
	}
	applyEnv(cfg, log)
	return nil
}

// Apply merges a JSON document into cfg with per-field tolerance.
func Apply(data []byte, cfg *ServerConfig, log zerolog.Logger) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("config: parse: %w", err)
	}

	if v, ok := raw["port"]; ok {
		var port int
		if err := json.Unmarshal(v, &port); err != nil || port <= 0 || port > 65535 {
			log.Warn().RawJSON("value", v).Msg("invalid port in config, keeping previous")
		} else {
			cfg.Port = port
		}
	}
	if v, ok := raw["ipcPort"]; ok {
		var port int
		if err := json.Unmarshal(v, &port); err != nil || port <= 0 || port > 65535 {
			log.Warn().RawJSON("value", v).Msg("invalid ipcPort in config, keeping previous")
		} else {
			cfg.IPCPort = port
		}
	}
	if v, ok := raw["agentId"]; ok {
		var id string
		if err := json.Unmarshal(v, &id); err != nil {
			log.Warn().Msg("invalid agentId in config, keeping previous")
		} else {
			cfg.AgentID = id
		}
	}
	if v, ok := raw["featureFlags"]; ok {
		flags := cfg.Features
		if err := json.Unmarshal(v, &flags); err != nil {
			log.Warn().Msg("invalid featureFlags in config, keeping previous")
		} else {
			cfg.Features = flags
		}
	}
	return nil
}

// Save writes cfg to path as indented JSON.
func Save(path string, cfg ServerConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// applyEnv layers environment overrides over the loaded file. A .env
// file in the working directory is honored for development setups.
func applyEnv(cfg *ServerConfig, log zerolog.Logger) {
	_ = godotenv.Load()

	if v := os.Getenv("SYSGUARD_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			log.Warn().Str("value", v).Msg("invalid SYSGUARD_PORT, ignoring")
		} else {
			cfg.Port = port
		}
	}
	if v := os.Getenv("SYSGUARD_IPC_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			log.Warn().Str("value", v).Msg("invalid SYSGUARD_IPC_PORT, ignoring")
		} else {
			cfg.IPCPort = port
		}
	}
	if v := os.Getenv("SYSGUARD_AGENT_ID"); v != "" {
		cfg.AgentID = v
	}
}
