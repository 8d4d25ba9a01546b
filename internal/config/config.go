package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

type Server struct {
	Port            int      `yaml:"port"`
	Database        string   `yaml:"database"`
	Collection      string   `yaml:"collection"`
	MaxMessageSize  int      `yaml:"maxMessageSize"`
	GoogleClientIDs []string `yaml:"googleClientIds"`
	ValidDomains    []string `yaml:"validDomains"`
	RedisAddr       string   `yaml:"redis"`
	Version         string   `yaml:"version"`
	Commit          string   `yaml:"commit"`
	JWTSecret       string   `yaml:"jwtSecret"`
	JWTPublicKeys   []string `yaml:"jwtPublicKeys"`
	// Advertise announces the server on the local network over mDNS.
	Advertise bool `yaml:"advertise"`
}

type Agent struct {
	// Server is the websocket URL of the mace server. When empty and
	// Discover is set, the agent browses the local network for one.
	Server   string `yaml:"server"`
	EditorID string `yaml:"editorId"`
	Listen   string `yaml:"listen"`
	Cache    string `yaml:"cache"`
	Token    string `yaml:"token"`
	Discover bool   `yaml:"discover"`
	Origin   string `yaml:"origin"`
	Static   string `yaml:"static"`
}

type Config struct {
	Server Server `yaml:"server"`
	Agent  Agent  `yaml:"agent"`
}

func Default() Config {
	return Config{
		Server: Server{
			Port:           8080,
			Database:       "memory://",
			Collection:     "updates",
			MaxMessageSize: 1 << 20,
			Version:        "dev",
		},
		Agent: Agent{
			EditorID: "default",
			Listen:   ":8081",
			Cache:    "mace-agent.db",
			Origin:   "mace-agent",
			Static:   "./static",
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies the
// environment. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	s := &c.Server
	if v, ok := lookup("BACKEND_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BACKEND_PORT: %w", err)
		}
		s.Port = port
	}
	// DATABASE_URL wins over MONGODB when both are set.
	if v, ok := lookup("MONGODB"); ok {
		s.Database = v
	}
	if v, ok := lookup("DATABASE_URL"); ok {
		s.Database = v
	}
	if v, ok := lookup("MONGODB_COLLECTION"); ok {
		s.Collection = v
	}
	if v, ok := lookup("MAX_MESSAGE_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAX_MESSAGE_SIZE: %w", err)
		}
		s.MaxMessageSize = n
	}
	if v, ok := lookup("GOOGLE_CLIENT_IDS"); ok {
		s.GoogleClientIDs = splitList(v)
	}
	if v, ok := lookup("VALID_DOMAINS"); ok {
		s.ValidDomains = splitList(v)
	}
	if v, ok := lookup("REDIS_ADDR"); ok {
		s.RedisAddr = v
	}
	if v, ok := lookup("GIT_COMMIT"); ok {
		s.Commit = v
	}
	if v, ok := lookup("MACE_VERSION"); ok {
		s.Version = v
	}
	if v, ok := lookup("JWT_HMAC_SECRET"); ok {
		s.JWTSecret = v
	}
	if v, ok := lookup("JWT_PUBLIC_KEYS"); ok {
		s.JWTPublicKeys = splitList(v)
	}
	if v, ok := lookup("MACE_ADVERTISE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MACE_ADVERTISE: %w", err)
		}
		s.Advertise = b
	}
	if s.MaxMessageSize <= 0 {
		return fmt.Errorf("max message size must be positive, got %d", s.MaxMessageSize)
	}
	return nil
}

// splitList splits a comma separated value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
