// Package target loads per-target configuration: where the repository
// lives, where its local cache sits, and which policy and contract files
// govern it.
//
// A target is resolvable either by explicit YAML path or by name under the
// conventional per-user config root (~/.config/leviathan/targets/<name>.yaml).
// Relative paths resolve under the local cache; a leading ~ expands to the
// user home.
package target

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config describes one target repository under orchestration.
type Config struct {
	Name          string `yaml:"name"`
	RepoURL       string `yaml:"repo_url"`
	DefaultBranch string `yaml:"default_branch"`
	LocalCacheDir string `yaml:"local_cache_dir"`
	BacklogPath   string `yaml:"backlog_path"`
	ContractPath  string `yaml:"contract_path"`
	PolicyPath    string `yaml:"policy_path"`
}

// PathPolicy is the target's allow/deny path pattern lists, loaded from the
// policy file. A missing file yields the zero policy (everything permitted).
type PathPolicy struct {
	AllowPaths []string `yaml:"allow_paths"`
	DenyPaths  []string `yaml:"deny_paths"`
}

// Contract carries target-declared execution settings, currently the test
// runner invocation used by the worker's scope validators.
type Contract struct {
	TestCommand string `yaml:"test_command"`
}

// Resolve loads a target by explicit path (anything containing a separator
// or ending in .yaml) or by name under the config root.
func Resolve(nameOrPath string) (*Config, error) {
	path := nameOrPath
	if !strings.ContainsRune(nameOrPath, os.PathSeparator) && !strings.HasSuffix(nameOrPath, ".yaml") {
		root, err := configRoot()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(root, "targets", nameOrPath+".yaml")
	}
	return Load(path)
}

// Load reads and validates a target config file.
func Load(path string) (*Config, error) {
	expanded, err := ExpandHome(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("target: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("target: parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.LocalCacheDir, err = ExpandHome(cfg.LocalCacheDir)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.Name == "" {
		missing = append(missing, "name")
	}
	if c.RepoURL == "" {
		missing = append(missing, "repo_url")
	}
	if c.DefaultBranch == "" {
		missing = append(missing, "default_branch")
	}
	if c.LocalCacheDir == "" {
		missing = append(missing, "local_cache_dir")
	}
	if len(missing) > 0 {
		return fmt.Errorf("target: missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ResolvePath resolves one of the per-target file paths: absolute paths are
// honored verbatim, ~ expands to home, everything else resolves under the
// local cache. def is the conventional default used when p is empty.
func (c *Config) ResolvePath(p, def string) (string, error) {
	if p == "" {
		p = def
	}
	expanded, err := ExpandHome(p)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(expanded) {
		return expanded, nil
	}
	return filepath.Join(c.LocalCacheDir, expanded), nil
}

// BacklogFile returns the resolved backlog path.
func (c *Config) BacklogFile() (string, error) {
	return c.ResolvePath(c.BacklogPath, ".leviathan/backlog.yaml")
}

// ContractFile returns the resolved contract path.
func (c *Config) ContractFile() (string, error) {
	return c.ResolvePath(c.ContractPath, ".leviathan/contract.yaml")
}

// PolicyFile returns the resolved policy path.
func (c *Config) PolicyFile() (string, error) {
	return c.ResolvePath(c.PolicyPath, ".leviathan/policy.yaml")
}

// LoadPolicy reads the target's path policy; a missing file is the zero
// policy, not an error.
func (c *Config) LoadPolicy() (*PathPolicy, error) {
	path, err := c.PolicyFile()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &PathPolicy{}, nil
		}
		return nil, fmt.Errorf("target: read policy %s: %w", path, err)
	}
	var pol PathPolicy
	if err := yaml.Unmarshal(data, &pol); err != nil {
		return nil, fmt.Errorf("target: parse policy %s: %w", path, err)
	}
	return &pol, nil
}

// LoadContract reads the target's contract; a missing file yields defaults.
func (c *Config) LoadContract() (*Contract, error) {
	path, err := c.ContractFile()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Contract{}, nil
		}
		return nil, fmt.Errorf("target: read contract %s: %w", path, err)
	}
	var ct Contract
	if err := yaml.Unmarshal(data, &ct); err != nil {
		return nil, fmt.Errorf("target: parse contract %s: %w", path, err)
	}
	return &ct, nil
}

// ExpandHome expands a leading ~ to the user home directory.
func ExpandHome(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("target: resolve home: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(p, "~"), "/")), nil
	}
	return p, nil
}

func configRoot() (string, error) {
	if v := os.Getenv("LEVIATHAN_CONFIG_DIR"); v != "" {
		return ExpandHome(v)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("target: resolve home: %w", err)
	}
	return filepath.Join(home, ".config", "leviathan"), nil
}
