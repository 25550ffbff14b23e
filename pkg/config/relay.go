package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RelayConfig is the relay process's full runtime configuration (§6.3).
// It is built from environment variables by LoadRelayConfigFromEnv, which
// cmd/troparcel-relay calls at startup; pkg/relay itself never reads
// os.Getenv.
type RelayConfig struct {
	Port            int
	Host            string
	PersistenceDir  string
	AuthTokens      map[string]string // room -> token
	MaxRooms        int
	MaxConnsPerIP   int
	MonitorOrigin   string
	MonitorToken    string
	MinTokenLength  int
	CompactionEvery time.Duration
	TombstoneMaxAge time.Duration
}

// DefaultRelayConfig returns the §6.3 documented defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Port:            2468,
		Host:            "0.0.0.0",
		PersistenceDir:  "./data",
		AuthTokens:      map[string]string{},
		MaxRooms:        100,
		MaxConnsPerIP:   10,
		MinTokenLength:  16,
		CompactionEvery: 6 * time.Hour,
		TombstoneMaxAge: 30 * 24 * time.Hour,
	}
}

// LoadRelayConfigFromEnv reads PORT, HOST, PERSISTENCE_DIR, AUTH_TOKENS,
// MAX_ROOMS, MAX_CONNS_PER_IP, MONITOR_ORIGIN, MONITOR_TOKEN,
// MIN_TOKEN_LENGTH, COMPACTION_HOURS and TOMBSTONE_MAX_DAYS, falling back
// to DefaultRelayConfig for anything unset or unparsable.
func LoadRelayConfigFromEnv() (RelayConfig, error) {
	cfg := DefaultRelayConfig()

	if v := os.Getenv("PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: PORT: %w", err)
		}
		cfg.Port = n
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("PERSISTENCE_DIR"); v != "" {
		cfg.PersistenceDir = v
	}
	if v := os.Getenv("AUTH_TOKENS"); v != "" {
		tokens, err := ParseAuthTokens(v)
		if err != nil {
			return cfg, err
		}
		cfg.AuthTokens = tokens
	}
	if v := os.Getenv("MAX_ROOMS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: MAX_ROOMS: %w", err)
		}
		cfg.MaxRooms = n
	}
	if v := os.Getenv("MAX_CONNS_PER_IP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: MAX_CONNS_PER_IP: %w", err)
		}
		cfg.MaxConnsPerIP = n
	}
	cfg.MonitorOrigin = os.Getenv("MONITOR_ORIGIN")
	cfg.MonitorToken = os.Getenv("MONITOR_TOKEN")
	if v := os.Getenv("MIN_TOKEN_LENGTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: MIN_TOKEN_LENGTH: %w", err)
		}
		cfg.MinTokenLength = n
	}
	if v := os.Getenv("COMPACTION_HOURS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: COMPACTION_HOURS: %w", err)
		}
		cfg.CompactionEvery = time.Duration(n) * time.Hour
	}
	if v := os.Getenv("TOMBSTONE_MAX_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("config: TOMBSTONE_MAX_DAYS: %w", err)
		}
		cfg.TombstoneMaxAge = time.Duration(n) * 24 * time.Hour
	}

	return cfg, nil
}

// ParseAuthTokens parses the "room:token,room2:token2" AUTH_TOKENS format.
func ParseAuthTokens(raw string) (map[string]string, error) {
	tokens := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.IndexByte(pair, ':')
		if idx < 0 {
			return nil, fmt.Errorf("config: AUTH_TOKENS entry %q missing ':'", pair)
		}
		room := SanitizeRoomName(pair[:idx])
		token := pair[idx+1:]
		if token == "" {
			return nil, fmt.Errorf("config: AUTH_TOKENS entry for room %q has empty token", room)
		}
		tokens[room] = token
	}
	return tokens, nil
}

// authTokenFile is the on-disk shape for the YAML alternative to the
// AUTH_TOKENS env var, for operators who prefer a file over a single
// densely packed variable.
type authTokenFile struct {
	Rooms map[string]string `yaml:"rooms"`
}

// LoadAuthTokensFromFile reads a YAML file of the form:
//
//	rooms:
//	  lab-notebook: s3cr3t-token-value
//	  another-room: another-token
func LoadAuthTokensFromFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read auth token file: %w", err)
	}
	var parsed authTokenFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("config: parse auth token file: %w", err)
	}
	tokens := make(map[string]string, len(parsed.Rooms))
	for room, token := range parsed.Rooms {
		tokens[SanitizeRoomName(room)] = token
	}
	return tokens, nil
}
