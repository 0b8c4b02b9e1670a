package core

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	BaseDirName    = ".config/tether"
	ConfigFileName = "tether.hcl"
	PidFileName    = "daemon.pid"
	SocketName     = "daemon.sock"
	DatabaseName   = "tether.db"
	ProxyStateName = "proxy_state.json"
)

// Config is the global configuration instance
var Config *Configuration

// Configuration represents the complete tether configuration
type Configuration struct {
	ConfigPath string // Directory containing config files
	Verbose    int    // Verbosity level
	Proxy      ProxyConfig
	Daemon     DaemonConfig
}

// ProxyConfig describes how the proxy engine is located and launched
type ProxyConfig struct {
	Executable   string // Engine binary; located automatically when empty
	DirFlag      string // Flag passing the engine home directory
	ConfigFlag   string // Flag passing the config file
	SafePathsVar string // Environment variable listing directories the engine may read configs from
	GroupPolicy  string // "lenient" or "strict"
	Autostart    bool   // Start the proxy when the daemon starts
}

type DaemonConfig struct {
	LogHistory int // Log lines kept for `tether logs`
}

// HCL parsing structs

type hclConfig struct {
	Verbose int        `hcl:"verbose,optional"`
	Proxy   *hclProxy  `hcl:"proxy,block"`
	Daemon  *hclDaemon `hcl:"daemon,block"`
}

type hclProxy struct {
	Executable   string `hcl:"executable,optional"`
	DirFlag      string `hcl:"dir_flag,optional"`
	ConfigFlag   string `hcl:"config_flag,optional"`
	SafePathsVar string `hcl:"safe_paths_var,optional"`
	GroupPolicy  string `hcl:"group_policy,optional"`
	Autostart    *bool  `hcl:"autostart,optional"`
}

type hclDaemon struct {
	LogHistory int `hcl:"log_history,optional"`
}

const defaultConfigTemplate = `# tether configuration
verbose = 0

proxy {
  # Path to the mihomo/clash binary. When empty, tether looks next to its own
  # binary and then on PATH.
  executable = ""

  dir_flag       = "-d"
  config_flag    = "-f"
  safe_paths_var = "SAFE_PATHS"

  # "lenient" keeps the proxy running when crash cleanup cannot be set up,
  # "strict" refuses to start it.
  group_policy = "lenient"

  autostart = true
}

daemon {
  log_history = 1000
}
`

// LoadConfig loads the HCL configuration file and returns a Configuration struct
func LoadConfig(filename string) (*Configuration, error) {
	var hclCfg hclConfig

	err := hclsimple.DecodeFile(filename, nil, &hclCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	cfg := GetDefaultConfig()
	cfg.Verbose = hclCfg.Verbose

	if p := hclCfg.Proxy; p != nil {
		cfg.Proxy.Executable = p.Executable
		if p.DirFlag != "" {
			cfg.Proxy.DirFlag = p.DirFlag
		}
		if p.ConfigFlag != "" {
			cfg.Proxy.ConfigFlag = p.ConfigFlag
		}
		if p.SafePathsVar != "" {
			cfg.Proxy.SafePathsVar = p.SafePathsVar
		}
		if p.GroupPolicy != "" {
			cfg.Proxy.GroupPolicy = p.GroupPolicy
		}
		if p.Autostart != nil {
			cfg.Proxy.Autostart = *p.Autostart
		}
	}

	switch cfg.Proxy.GroupPolicy {
	case "lenient", "strict":
	default:
		return nil, fmt.Errorf("invalid group_policy %q: expected \"lenient\" or \"strict\"", cfg.Proxy.GroupPolicy)
	}

	if d := hclCfg.Daemon; d != nil && d.LogHistory > 0 {
		cfg.Daemon.LogHistory = d.LogHistory
	}

	return cfg, nil
}

// GetDefaultConfig returns a Configuration with default values
func GetDefaultConfig() *Configuration {
	return &Configuration{
		Verbose: 0,
		Proxy: ProxyConfig{
			DirFlag:      "-d",
			ConfigFlag:   "-f",
			SafePathsVar: "SAFE_PATHS",
			GroupPolicy:  "lenient",
			Autostart:    true,
		},
		Daemon: DaemonConfig{
			LogHistory: 1000,
		},
	}
}

// ConfigExists checks if a config file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}

// InitializeConfig loads <configPath>/tether.hcl into the global Config,
// writing a default file first when none exists.
func InitializeConfig(configPath string) (*Configuration, error) {
	if err := os.MkdirAll(configPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	filename := filepath.Join(configPath, ConfigFileName)
	if !ConfigExists(filename) {
		if err := os.WriteFile(filename, []byte(defaultConfigTemplate), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	cfg, err := LoadConfig(filename)
	if err != nil {
		return nil, err
	}
	cfg.ConfigPath = configPath
	Config = cfg
	return cfg, nil
}

// GetConfigFilePath returns the path of tether.hcl
func GetConfigFilePath() string {
	return filepath.Join(Config.ConfigPath, ConfigFileName)
}

func GetSocketPath() string {
	return filepath.Join(Config.ConfigPath, SocketName)
}

func GetPIDFilePath() string {
	return filepath.Join(Config.ConfigPath, PidFileName)
}

func GetDatabasePath() string {
	return filepath.Join(Config.ConfigPath, DatabaseName)
}

// GetProxyStatePath returns the file recording the running proxy, used to
// clean up after a daemon crash.
func GetProxyStatePath() string {
	return filepath.Join(Config.ConfigPath, ProxyStateName)
}
