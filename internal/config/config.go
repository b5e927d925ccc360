package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/openmined/boxmirror/internal/mirror"
	"github.com/openmined/boxmirror/internal/remote"
	"github.com/openmined/boxmirror/internal/utils"
)

const (
	DefaultWorkers = mirror.DefaultWorkers
	DefaultTimeout = remote.DefaultTimeout
	configFileName = "config.json"
)

var (
	home, _ = os.UserHomeDir()
	// DefaultConfigPath is read when no managed root is known yet.
	DefaultConfigPath = filepath.Join(home, ".config", "boxmirror", configFileName)
)

type Config struct {
	Root        string        `json:"root"`
	AccessToken string        `json:"access_token"`
	APIURL      string        `json:"api_url"`
	ContentURL  string        `json:"content_url"`
	Workers     int           `json:"workers"`
	Timeout     time.Duration `json:"-"`
	// Yes answers every confirmation prompt with yes.
	Yes   bool   `json:"-"`
	Debug bool   `json:"-"`
	Path  string `json:"-"`
}

// fileConfig is the on-disk form; durations are stored as strings ("5m").
type fileConfig struct {
	Root        string `json:"root,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
	APIURL      string `json:"api_url,omitempty"`
	ContentURL  string `json:"content_url,omitempty"`
	Workers     int    `json:"workers,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// PathForRoot is where a managed root keeps its own config.
func PathForRoot(root string) string {
	return filepath.Join(root, mirror.StateDirName, configFileName)
}

// Validate fills in defaults, normalizes paths and checks every setting.
// Failures wrap mirror.ErrConfigInvalid.
func (c *Config) Validate() error {
	if c.AccessToken == "" {
		return fmt.Errorf("%w: access token is required", mirror.ErrConfigInvalid)
	}
	if err := c.ValidateLocal(); err != nil {
		return err
	}

	if c.APIURL == "" {
		c.APIURL = remote.DefaultAPIURL
	}
	if err := validateURL(c.APIURL); err != nil {
		return fmt.Errorf("%w: api url: %w", mirror.ErrConfigInvalid, err)
	}

	if c.ContentURL == "" {
		c.ContentURL = remote.DefaultContentURL
	}
	if err := validateURL(c.ContentURL); err != nil {
		return fmt.Errorf("%w: content url: %w", mirror.ErrConfigInvalid, err)
	}

	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1, got %d", mirror.ErrConfigInvalid, c.Workers)
	}

	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must be positive, got %s", mirror.ErrConfigInvalid, c.Timeout)
	}

	return nil
}

// ValidateLocal checks only what commands that never reach the remote need:
// the managed folder and the config path.
func (c *Config) ValidateLocal() error {
	if c.Root == "" {
		return fmt.Errorf("%w: managed folder is required", mirror.ErrConfigInvalid)
	}
	root, err := utils.ResolvePath(c.Root)
	if err != nil {
		return fmt.Errorf("%w: managed folder %q: %w", mirror.ErrConfigInvalid, c.Root, err)
	}
	if root == filepath.Dir(root) || root == home {
		return fmt.Errorf("%w: refusing to manage %s", mirror.ErrConfigInvalid, root)
	}
	c.Root = root

	if c.Path == "" {
		c.Path = PathForRoot(c.Root)
	}
	if c.Path, err = utils.ResolvePath(c.Path); err != nil {
		return fmt.Errorf("%w: config path: %w", mirror.ErrConfigInvalid, err)
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q in %s", u.Scheme, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %s", raw)
	}
	return nil
}

// Save writes the config to path. The file holds the access token, so it
// is only readable by the owner.
func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	fc := fileConfig{
		Root:        c.Root,
		AccessToken: c.AccessToken,
		APIURL:      c.APIURL,
		ContentURL:  c.ContentURL,
		Workers:     c.Workers,
	}
	if c.Timeout > 0 {
		fc.Timeout = c.Timeout.String()
	}

	data, err := json.MarshalIndent(&fc, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	// WriteFile keeps the mode of an existing file
	return os.Chmod(path, 0o600)
}

// Load reads a config file written by Save.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", mirror.ErrConfigInvalid, path, err)
	}

	cfg := &Config{
		Root:        fc.Root,
		AccessToken: fc.AccessToken,
		APIURL:      fc.APIURL,
		ContentURL:  fc.ContentURL,
		Workers:     fc.Workers,
		Path:        path,
	}
	if fc.Timeout != "" {
		if cfg.Timeout, err = time.ParseDuration(fc.Timeout); err != nil {
			return nil, fmt.Errorf("%w: timeout %q: %w", mirror.ErrConfigInvalid, fc.Timeout, err)
		}
	}
	return cfg, nil
}

// IsNotExist reports whether a Load failed only because the file is missing.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
