package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/openmined/boxmirror/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// flag name -> config key
var flagKeys = map[string]string{
	"token":       "access_token",
	"api-url":     "api_url",
	"content-url": "content_url",
	"timeout":     "timeout",
	"workers":     "workers",
	"yes":         "yes",
	"debug":       "debug",
}

// loadConfig merges flags, BOXMIRROR_* environment variables and the config
// file, in that order of precedence. The result is not validated.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BOXMIRROR")
	v.AutomaticEnv()

	root := ""
	if len(args) > 0 {
		root = args[0]
	}
	if root == "" {
		root = os.Getenv("BOXMIRROR_ROOT")
	}

	configPath := resolveConfigPath(cmd, root)
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", configPath, err)
		}
	}

	for name, key := range flagKeys {
		if f := cmd.Flag(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	if root == "" {
		root = v.GetString("root")
	}

	return &config.Config{
		Root:        root,
		AccessToken: v.GetString("access_token"),
		APIURL:      v.GetString("api_url"),
		ContentURL:  v.GetString("content_url"),
		Workers:     v.GetInt("workers"),
		Timeout:     v.GetDuration("timeout"),
		Yes:         v.GetBool("yes"),
		Debug:       v.GetBool("debug"),
		Path:        configPath,
	}, nil
}

func resolveConfigPath(cmd *cobra.Command, root string) string {
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if p := os.Getenv("BOXMIRROR_CONFIG_PATH"); p != "" {
		return p
	}
	if root != "" {
		return config.PathForRoot(root)
	}
	return config.DefaultConfigPath
}
