// Package config loads the settings of the server and client binaries.
//
// Values come from, in increasing precedence: built-in defaults, an optional
// YAML file, an optional .env file, the process environment (DOCSYNC_*),
// and finally command-line flags applied by the binary.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Server struct {
	PrimaryAddr string `yaml:"primaryAddr"`
	CollabAddr  string `yaml:"collabAddr"`
	// PublicOrigin is where page loads on the collaboration listener are
	// redirected to.
	PublicOrigin        string   `yaml:"publicOrigin"`
	PassthroughPrefixes []string `yaml:"passthroughPrefixes"`
	UploadsDir          string   `yaml:"uploadsDir"`
	MaxUploadBytes      int64    `yaml:"maxUploadBytes"`
	// OpLog is "memory", "sqlite://<path>" or a postgres:// URL.
	OpLog     string   `yaml:"opLog"`
	RedisAddr string   `yaml:"redisAddr"`
	Tokens    []string `yaml:"tokens"`
	// IdleTimeout is a duration such as "1m".
	IdleTimeout string `yaml:"idleTimeout"`
	LogLevel    string `yaml:"logLevel"`
}

func DefaultServer() Server {
	return Server{
		PrimaryAddr:         "localhost:3000",
		CollabAddr:          "localhost:3001",
		PublicOrigin:        "http://localhost:3000",
		PassthroughPrefixes: []string{"/_next/webpack-hmr"},
		UploadsDir:          "uploads",
		MaxUploadBytes:      10 << 20,
		OpLog:               "sqlite://docsync.sqlite3",
		IdleTimeout:         "1m",
		LogLevel:            "info",
	}
}

func (s *Server) applyEnv(env lookup) error {
	env.str("DOCSYNC_PRIMARY_ADDR", &s.PrimaryAddr)
	env.str("DOCSYNC_COLLAB_ADDR", &s.CollabAddr)
	env.str("DOCSYNC_PUBLIC_ORIGIN", &s.PublicOrigin)
	env.list("DOCSYNC_PASSTHROUGH_PREFIXES", &s.PassthroughPrefixes)
	env.str("DOCSYNC_UPLOADS_DIR", &s.UploadsDir)
	env.str("DATABASE_URL", &s.OpLog)
	env.str("DOCSYNC_OP_LOG", &s.OpLog)
	env.str("REDIS_ADDR", &s.RedisAddr)
	env.str("DOCSYNC_REDIS_ADDR", &s.RedisAddr)
	env.list("DOCSYNC_TOKENS", &s.Tokens)
	env.str("DOCSYNC_IDLE_TIMEOUT", &s.IdleTimeout)
	env.str("DOCSYNC_LOG_LEVEL", &s.LogLevel)
	if v, ok := env("DOCSYNC_MAX_UPLOAD_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid DOCSYNC_MAX_UPLOAD_BYTES: %w", err)
		}
		s.MaxUploadBytes = n
	}
	return nil
}

func (s *Server) Validate() error {
	var errs []error
	if s.PrimaryAddr == "" || s.CollabAddr == "" {
		errs = append(errs, errors.New("primaryAddr and collabAddr are required"))
	} else if s.PrimaryAddr == s.CollabAddr {
		errs = append(errs, errors.New("primaryAddr and collabAddr must differ"))
	}
	if u, err := url.Parse(s.PublicOrigin); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid publicOrigin %q", s.PublicOrigin))
	}
	if s.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("maxUploadBytes must be positive"))
	}
	if _, err := s.IdleTimeoutDuration(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLevel(s.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) IdleTimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(s.IdleTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid idleTimeout %q: %w", s.IdleTimeout, err)
	}
	return d, nil
}

type Client struct {
	AuthorityURL string `yaml:"authorityUrl"`
	Token        string `yaml:"token"`
	ClientID     string `yaml:"clientId"`
	// StoreDir holds the local durable copies. Empty runs memory-only.
	StoreDir string `yaml:"storeDir"`
	Document string `yaml:"document"`
	UserName string `yaml:"userName"`
	// EditInterval is a duration such as "2s"; "0s" disables random edits.
	EditInterval string `yaml:"editInterval"`
	LogLevel     string `yaml:"logLevel"`
}

func DefaultClient() Client {
	return Client{
		AuthorityURL: "ws://localhost:3001",
		StoreDir:     ".docsync",
		Document:     "default",
		EditInterval: "2s",
		LogLevel:     "info",
	}
}

func (c *Client) applyEnv(env lookup) error {
	env.str("DOCSYNC_AUTHORITY_URL", &c.AuthorityURL)
	env.str("DOCSYNC_TOKEN", &c.Token)
	env.str("DOCSYNC_CLIENT_ID", &c.ClientID)
	env.str("DOCSYNC_STORE_DIR", &c.StoreDir)
	env.str("DOCSYNC_DOCUMENT", &c.Document)
	env.str("DOCSYNC_USER", &c.UserName)
	env.str("DOCSYNC_EDIT_INTERVAL", &c.EditInterval)
	env.str("DOCSYNC_LOG_LEVEL", &c.LogLevel)
	return nil
}

func (c *Client) Validate() error {
	var errs []error
	if u, err := url.Parse(c.AuthorityURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("authorityUrl must be a ws:// or wss:// url, got %q", c.AuthorityURL))
	}
	if c.Token == "" {
		errs = append(errs, errors.New("token is required"))
	}
	if c.Document == "" {
		errs = append(errs, errors.New("document is required"))
	}
	if _, err := c.EditIntervalDuration(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Client) EditIntervalDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.EditInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid editInterval %q: %w", c.EditInterval, err)
	}
	return d, nil
}

// LoadServer reads the server settings. Empty paths are skipped; a missing
// .env file is not an error.
func LoadServer(path, envFile string) (*Server, error) {
	s := DefaultServer()
	if err := load(path, envFile, &s, s.applyEnv); err != nil {
		return nil, err
	}
	return &s, nil
}

func LoadClient(path, envFile string) (*Client, error) {
	c := DefaultClient()
	if err := load(path, envFile, &c, c.applyEnv); err != nil {
		return nil, err
	}
	return &c, nil
}

func load(path, envFile string, target any, applyEnv func(lookup) error) error {
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, target); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	dotenv := map[string]string{}
	if envFile != "" {
		values, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			dotenv = values
		case errors.Is(err, os.ErrNotExist):
		default:
			return fmt.Errorf("failed to read %s: %w", envFile, err)
		}
	}
	return applyEnv(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	})
}

type lookup func(key string) (string, bool)

func (l lookup) str(key string, dst *string) {
	if v, ok := l(key); ok && v != "" {
		*dst = v
	}
}

func (l lookup) list(key string, dst *[]string) {
	v, ok := l(key)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// NewLogger returns a text logger on stderr at the given level.
func NewLogger(level string) (*slog.Logger, error) {
	l, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}
