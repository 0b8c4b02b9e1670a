package core

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	ProfileDirName     = "config"
	DefaultProfileName = "config.yaml"
	StateFileName      = "state.json"
)

//go:embed default-config.yaml
var defaultProfile []byte

// APIDetails is the proxy's REST controller endpoint as declared in a profile.
type APIDetails struct {
	BaseURL      string `json:"base_url"`
	Secret       string `json:"secret,omitempty"`
	DashboardURL string `json:"dashboard_url"`
}

type profileState struct {
	CurrentConfig string `json:"currentConfig"`
}

// ConfigDir returns the directory holding proxy profiles. It is also the
// directory the proxy is allowed to read configs from.
func ConfigDir() string {
	return filepath.Join(Config.ConfigPath, ProfileDirName)
}

// DefaultConfigPath returns the path of the default profile.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), DefaultProfileName)
}

func stateFilePath() string {
	return filepath.Join(Config.ConfigPath, StateFileName)
}

// EnsureDefaultConfigExists creates the profile directory and writes the
// default profile when it is missing.
func EnsureDefaultConfigExists() error {
	if err := os.MkdirAll(ConfigDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}
	path := DefaultConfigPath()
	if ConfigExists(path) {
		return nil
	}
	if err := os.WriteFile(path, defaultProfile, 0o644); err != nil {
		return fmt.Errorf("failed to write default profile: %w", err)
	}
	return nil
}

// CurrentConfigPath returns the selected profile, falling back to the default
// when nothing is selected or the selected file no longer exists.
func CurrentConfigPath() string {
	data, err := os.ReadFile(stateFilePath())
	if err != nil {
		return DefaultConfigPath()
	}
	var state profileState
	if err := json.Unmarshal(data, &state); err != nil {
		return DefaultConfigPath()
	}
	if state.CurrentConfig == "" || !ConfigExists(state.CurrentConfig) {
		return DefaultConfigPath()
	}
	return state.CurrentConfig
}

// SetCurrentConfigPath records the selected profile.
func SetCurrentConfigPath(path string) error {
	data, err := json.Marshal(profileState{CurrentConfig: path})
	if err != nil {
		return err
	}
	// Write atomically using temp file + rename
	target := stateFilePath()
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write profile state: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write profile state: %w", err)
	}
	return nil
}

// AvailableConfigs lists the *.yaml and *.yml profiles, sorted by path.
func AvailableConfigs() ([]string, error) {
	entries, err := os.ReadDir(ConfigDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}

	configs := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			configs = append(configs, filepath.Join(ConfigDir(), entry.Name()))
		}
	}
	slices.Sort(configs)
	return configs, nil
}

// ResolveProfile turns a profile argument into a path. Bare names are looked
// up in the profile directory, with or without extension.
func ResolveProfile(name string) (string, error) {
	if name == "" {
		return "", errors.New("profile name is empty")
	}
	if filepath.IsAbs(name) || strings.ContainsRune(name, filepath.Separator) {
		abs, err := filepath.Abs(name)
		if err != nil {
			return "", err
		}
		if !ConfigExists(abs) {
			return "", fmt.Errorf("profile %s does not exist", abs)
		}
		return abs, nil
	}

	candidates := []string{name}
	if filepath.Ext(name) == "" {
		candidates = []string{name + ".yaml", name + ".yml"}
	}
	for _, c := range candidates {
		path := filepath.Join(ConfigDir(), c)
		if ConfigExists(path) {
			return path, nil
		}
	}
	return "", fmt.Errorf("profile %q not found in %s", name, ConfigDir())
}

// ReadAPIDetails reads external-controller and secret from a profile. It
// returns nil details when the profile declares no controller.
func ReadAPIDetails(path string) (*APIDetails, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var profile struct {
		ExternalController string `yaml:"external-controller"`
		Secret             string `yaml:"secret"`
	}
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("failed to parse profile %s: %w", path, err)
	}

	controller := strings.TrimSpace(profile.ExternalController)
	if controller == "" {
		return nil, nil
	}
	if strings.HasPrefix(controller, ":") {
		controller = "127.0.0.1" + controller
	}

	base := "http://" + controller
	return &APIDetails{
		BaseURL:      base,
		Secret:       profile.Secret,
		DashboardURL: base + "/ui",
	}, nil
}
