package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/pilab-dev/docid-auth/client"
)

const (
	AppName        = "docidctl"
	ConfigFileName = "config"
	ConfigFileType = "yaml"
)

// Context is one named target: the backend API, the gateway serving the
// refresh route, and the session tokens.
type Context struct {
	Name         string `mapstructure:"name"`
	APIURL       string `mapstructure:"api_url"`
	GatewayURL   string `mapstructure:"gateway_url"`
	AccessToken  string `mapstructure:"access_token"`
	RefreshToken string `mapstructure:"refresh_token"`
}

// CLIConfig holds the overall CLI configuration
type CLIConfig struct {
	CurrentContext string              `mapstructure:"current_context"`
	Contexts       map[string]*Context `mapstructure:"contexts"`
}

// Store loads and saves a CLIConfig file.
type Store struct {
	mu     sync.Mutex
	path   string
	Config *CLIConfig
}

// DefaultPath is $HOME/.docidctl/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(home, "."+AppName, ConfigFileName+"."+ConfigFileType), nil
}

// Load reads path, or DefaultPath when empty. A missing file yields an
// empty config that Save will create.
func Load(path string) (*Store, error) {
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(ConfigFileType)

	cfg := &CLIConfig{Contexts: make(map[string]*Context)}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Contexts == nil {
		cfg.Contexts = make(map[string]*Context)
	}
	for name, c := range cfg.Contexts {
		if c.Name == "" {
			c.Name = name
		}
	}

	return &Store{path: path, Config: cfg}, nil
}

// Path is the file Save writes to.
func (s *Store) Path() string {
	return s.path
}

// Save writes the config back to its file.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", filepath.Dir(s.path), err)
	}

	contexts := make(map[string]any, len(s.Config.Contexts))
	for name, c := range s.Config.Contexts {
		contexts[name] = map[string]any{
			"name":          c.Name,
			"api_url":       c.APIURL,
			"gateway_url":   c.GatewayURL,
			"access_token":  c.AccessToken,
			"refresh_token": c.RefreshToken,
		}
	}

	v := viper.New()
	v.SetConfigType(ConfigFileType)
	v.Set("current_context", s.Config.CurrentContext)
	v.Set("contexts", contexts)

	if err := v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("failed to save config to %s: %w", s.path, err)
	}

	// Tokens live in this file.
	return os.Chmod(s.path, 0o600)
}

// SetContext creates or updates a context. The first context becomes current.
// Context names are case-insensitive; viper lowercases map keys.
func (s *Store) SetContext(name, apiURL, gatewayURL string) *Context {
	name = strings.ToLower(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.Config.Contexts[name]
	if !ok {
		c = &Context{Name: name}
		s.Config.Contexts[name] = c
	}
	if apiURL != "" {
		c.APIURL = apiURL
	}
	if gatewayURL != "" {
		c.GatewayURL = gatewayURL
	}

	if s.Config.CurrentContext == "" {
		s.Config.CurrentContext = name
	}

	return c
}

// UseContext switches the current context.
func (s *Store) UseContext(name string) error {
	name = strings.ToLower(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.Config.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	s.Config.CurrentContext = name

	return nil
}

// Current returns the current context.
func (s *Store) Current() (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.currentLocked()
}

func (s *Store) currentLocked() (*Context, error) {
	if s.Config.CurrentContext == "" {
		return nil, fmt.Errorf("no current context set. Use '%s config set-context NAME --api URL'", AppName)
	}

	c, ok := s.Config.Contexts[s.Config.CurrentContext]
	if !ok {
		return nil, fmt.Errorf("current context %q not found in configuration", s.Config.CurrentContext)
	}

	return c, nil
}

// TokenStore returns a client.TokenStore backed by the current context.
// Saved and cleared tokens are written to disk immediately.
func (s *Store) TokenStore() client.TokenStore {
	return &contextTokenStore{store: s}
}

type contextTokenStore struct {
	store *Store
}

func (t *contextTokenStore) Load(_ context.Context) (client.Tokens, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	c, err := t.store.currentLocked()
	if err != nil {
		return client.Tokens{}, err
	}

	return client.Tokens{AccessToken: c.AccessToken, RefreshToken: c.RefreshToken}, nil
}

func (t *contextTokenStore) Save(_ context.Context, tokens client.Tokens) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	c, err := t.store.currentLocked()
	if err != nil {
		return err
	}
	c.AccessToken = tokens.AccessToken
	c.RefreshToken = tokens.RefreshToken

	return t.store.saveLocked()
}

func (t *contextTokenStore) Clear(ctx context.Context) error {
	return t.Save(ctx, client.Tokens{})
}
