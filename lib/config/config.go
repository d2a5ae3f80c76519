// Copyright 2026 The Trestle Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/trestle-bridge/trestle/lib/ref"
)

// Config is the master configuration for the Trestle bridge.
type Config struct {
	// Homeserver configures the Matrix homeserver connection.
	Homeserver HomeserverConfig `yaml:"homeserver"`

	// Bot is the default bridge bot, present in every bridged room.
	Bot BotConfig `yaml:"bot"`

	// ServiceBots are additional bots serving a single service category.
	// A category-specific bot takes priority over the default bot in
	// rooms where both are joined.
	ServiceBots []ServiceBotConfig `yaml:"service_bots,omitempty"`

	// Services enables or disables service categories. A category with
	// no entry is disabled.
	Services map[string]ServiceConfig `yaml:"services"`

	// Permissions maps actors to per-service permission levels.
	Permissions []ActorPermission `yaml:"permissions"`

	// Storage configures the bridge-local durable store.
	Storage StorageConfig `yaml:"storage"`

	// StaticConnectionsFile is an optional path to a JSONC file of
	// operator-defined connections instantiated at startup without
	// authorization checks.
	StaticConnectionsFile string `yaml:"static_connections_file,omitempty"`
}

// HomeserverConfig configures the Matrix homeserver connection.
type HomeserverConfig struct {
	// URL is the client-server API base URL.
	URL string `yaml:"url"`

	// Domain is the server name appearing in user IDs
	// (e.g. "example.org" for @trestle:example.org).
	Domain string `yaml:"domain"`
}

// BotConfig identifies the default bridge bot.
type BotConfig struct {
	UserID ref.UserID `yaml:"user_id"`

	// AccessToken authenticates the bot. AccessTokenFile, if set, takes
	// precedence and is read at load time; this keeps tokens out of the
	// main config file.
	AccessToken     string `yaml:"access_token,omitempty"`
	AccessTokenFile string `yaml:"access_token_file,omitempty"`

	// LocalpartPrefix marks user IDs belonging to the bridge's
	// namespace. Default: the bot's own localpart plus "_".
	LocalpartPrefix string `yaml:"localpart_prefix,omitempty"`
}

// ServiceBotConfig identifies a bot dedicated to one service category.
type ServiceBotConfig struct {
	UserID          ref.UserID `yaml:"user_id"`
	Service         string     `yaml:"service"`
	AccessToken     string     `yaml:"access_token,omitempty"`
	AccessTokenFile string     `yaml:"access_token_file,omitempty"`
}

// ServiceConfig configures one service category.
type ServiceConfig struct {
	Enabled bool `yaml:"enabled"`

	// CommandPrefix is the default chat command prefix for connections
	// of this category that do not claim their own.
	CommandPrefix string `yaml:"command_prefix,omitempty"`

	// APIBaseURL overrides the service's API endpoint (used by the
	// github category for enterprise installs and by tests).
	APIBaseURL string `yaml:"api_base_url,omitempty"`

	// APIToken authenticates the bridge to the service's API. The
	// github category requires it for the REST client. APITokenFile,
	// if set, takes precedence and is read at load time.
	APIToken     string `yaml:"api_token,omitempty"`
	APITokenFile string `yaml:"api_token_file,omitempty"`

	// UserLogins maps Matrix user IDs to accounts on the service, used
	// by grant fallback checks that probe a sender's current access.
	UserLogins map[string]string `yaml:"user_logins,omitempty"`
}

// StorageConfig configures the bridge-local durable store.
type StorageConfig struct {
	// Database is the SQLite database path. Empty selects the
	// in-memory store, which does not survive restarts.
	Database string `yaml:"database,omitempty"`

	// PoolSize is the SQLite connection pool size. Default: 4.
	PoolSize int `yaml:"pool_size,omitempty"`
}

// Default returns the default configuration. These defaults exist to
// give all fields sensible zero-values before the file is loaded, not
// as a fallback. The config file is required.
func Default() *Config {
	return &Config{
		Services: map[string]ServiceConfig{},
		Storage:  StorageConfig{PoolSize: 4},
	}
}

// Load loads configuration from the TRESTLE_CONFIG environment variable.
//
// There are no fallbacks or defaults. If TRESTLE_CONFIG is not set,
// this fails; use --config to pass an explicit path instead.
func Load() (*Config, error) {
	configPath := os.Getenv("TRESTLE_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("TRESTLE_CONFIG environment variable not set; " +
			"set it to the path of your trestle.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// do not override config values. Access token files referenced by the
// config are resolved here.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.resolveTokenFiles(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) resolveTokenFiles() error {
	token, err := readTokenFile(c.Bot.AccessTokenFile)
	if err != nil {
		return fmt.Errorf("bot access token: %w", err)
	}
	if token != "" {
		c.Bot.AccessToken = token
	}
	for i := range c.ServiceBots {
		token, err := readTokenFile(c.ServiceBots[i].AccessTokenFile)
		if err != nil {
			return fmt.Errorf("service bot %s access token: %w", c.ServiceBots[i].UserID, err)
		}
		if token != "" {
			c.ServiceBots[i].AccessToken = token
		}
	}
	for category, service := range c.Services {
		token, err := readTokenFile(service.APITokenFile)
		if err != nil {
			return fmt.Errorf("service %s API token: %w", category, err)
		}
		if token != "" {
			service.APIToken = token
			c.Services[category] = service
		}
	}
	return nil
}

func readTokenFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Homeserver.URL == "" {
		errs = append(errs, fmt.Errorf("homeserver.url is required"))
	} else if parsed, err := url.Parse(c.Homeserver.URL); err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		errs = append(errs, fmt.Errorf("homeserver.url must be an http(s) URL: %q", c.Homeserver.URL))
	}
	if c.Homeserver.Domain == "" {
		errs = append(errs, fmt.Errorf("homeserver.domain is required"))
	}

	if c.Bot.UserID.IsZero() {
		errs = append(errs, fmt.Errorf("bot.user_id is required"))
	}
	if c.Bot.AccessToken == "" {
		errs = append(errs, fmt.Errorf("bot.access_token or bot.access_token_file is required"))
	}

	for i, bot := range c.ServiceBots {
		if bot.UserID.IsZero() {
			errs = append(errs, fmt.Errorf("service_bots[%d].user_id is required", i))
		}
		if bot.Service == "" {
			errs = append(errs, fmt.Errorf("service_bots[%d].service is required", i))
		}
		if bot.AccessToken == "" {
			errs = append(errs, fmt.Errorf("service_bots[%d]: access_token or access_token_file is required", i))
		}
	}

	enabled := 0
	for _, service := range c.Services {
		if service.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		errs = append(errs, fmt.Errorf("no service category is enabled"))
	}

	for i, actor := range c.Permissions {
		if actor.Actor == "" {
			errs = append(errs, fmt.Errorf("permissions[%d].actor is required", i))
		}
		for j, service := range actor.Services {
			if _, err := ParseLevel(service.Level); err != nil {
				errs = append(errs, fmt.Errorf("permissions[%d].services[%d]: %w", i, j, err))
			}
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ServiceEnabled reports whether a service category is enabled.
func (c *Config) ServiceEnabled(category string) bool {
	return c.Services[category].Enabled
}

// NamespacePrefix returns the localpart prefix marking user IDs that
// belong to the bridge.
func (c *Config) NamespacePrefix() string {
	if c.Bot.LocalpartPrefix != "" {
		return c.Bot.LocalpartPrefix
	}
	return c.Bot.UserID.Localpart() + "_"
}

// IsNamespacedUser reports whether a user ID belongs to the bridge's
// own namespace: the bot itself, a configured service bot, or any user
// on the bridge's domain whose localpart carries the namespace prefix.
func (c *Config) IsNamespacedUser(userID ref.UserID) bool {
	if userID == c.Bot.UserID {
		return true
	}
	for _, bot := range c.ServiceBots {
		if userID == bot.UserID {
			return true
		}
	}
	return strings.HasSuffix(userID.String(), ":"+c.Homeserver.Domain) &&
		strings.HasPrefix(userID.Localpart(), c.NamespacePrefix())
}
