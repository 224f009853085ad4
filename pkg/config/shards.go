package config

import (
	"context"
	"encoding/json/jsontext"
	"encoding/json/v2"
	"fmt"
	"iter"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ShardConfig configures one backend PostgreSQL shard.
type ShardConfig struct {
	// ID is the shard identifier the router targets. Must be unique.
	ID string `json:"id"`

	Host string `json:"host"`
	Port uint16 `json:"port,omitzero"`

	// Database is the database name on the shard. Defaults to the proxy's
	// logical database name.
	Database string `json:"database,omitzero"`

	// Username and Password authenticate the proxy to the shard.
	Username SecretRef `json:"username"`
	Password SecretRef `json:"password"`

	// MaxConnections caps this shard's pool. 0 means 16.
	MaxConnections int32 `json:"max_connections,omitzero"`
}

// GetPort returns the shard's port, defaulting to 5432.
func (s *ShardConfig) GetPort() uint16 {
	if s.Port == 0 {
		return 5432
	}
	return s.Port
}

// GetMaxConnections returns the shard pool cap, defaulting to 16.
func (s *ShardConfig) GetMaxConnections() int32 {
	if s.MaxConnections <= 0 {
		return 16
	}
	return s.MaxConnections
}

// PoolConfig resolves credentials and builds the pgxpool configuration for
// this shard.
func (s *ShardConfig) PoolConfig(ctx context.Context, secrets *SecretCache) (*pgxpool.Config, error) {
	if s.Host == "" {
		return nil, fmt.Errorf("shard %q: host is required", s.ID)
	}

	user, err := secrets.Get(ctx, s.Username)
	if err != nil {
		return nil, fmt.Errorf("shard %q username: %w", s.ID, err)
	}
	password, err := secrets.Get(ctx, s.Password)
	if err != nil {
		return nil, fmt.Errorf("shard %q password: %w", s.ID, err)
	}

	connString := fmt.Sprintf("host=%s port=%d user=%s dbname=%s",
		s.Host, s.GetPort(), user, s.Database)
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("shard %q: %w", s.ID, err)
	}
	cfg.ConnConfig.Password = password
	cfg.MaxConns = s.GetMaxConnections()
	return cfg, nil
}

// PgStartupParameters is a map of PostgreSQL startup parameters
// that preserves insertion order (i.e., the order from the JSON file).
type PgStartupParameters struct {
	keys   []string
	values map[string]string
}

// All returns an iterator over parameters in insertion order.
func (p *PgStartupParameters) All() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, k := range p.keys {
			if !yield(k, p.values[k]) {
				return
			}
		}
	}
}

// UnmarshalJSON parses a JSON object, preserving key order from the file.
func (p *PgStartupParameters) UnmarshalJSON(data []byte) error {
	p.keys = nil
	p.values = make(map[string]string)

	dec := jsontext.NewDecoder(strings.NewReader(string(data)))
	tok, err := dec.ReadToken()
	if err != nil || tok.Kind() != '{' {
		return err
	}

	for dec.PeekKind() != '}' {
		keyTok, err := dec.ReadToken()
		if err != nil {
			return err
		}
		key := keyTok.String()

		valTok, err := dec.ReadToken()
		if err != nil {
			return err
		}
		val := valTok.String()

		p.keys = append(p.keys, key)
		p.values[key] = val
	}
	return nil
}

// MarshalJSON serializes parameters in insertion order.
func (p PgStartupParameters) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		keyBytes, _ := json.Marshal(k)
		valBytes, _ := json.Marshal(p.values[k])
		b.Write(keyBytes)
		b.WriteByte(':')
		b.Write(valBytes)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// ListenAddr is a network address suitable for net.Listen.
// It normalizes JSON input formats like "5432", ":5432", or "127.0.0.1:5432"
// into the "host:port" format expected by Go's net package.
type ListenAddr string

// UnmarshalJSON parses a listen address string and normalizes it.
func (l *ListenAddr) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*l = ListenAddr(normalizeListenAddr(s))
	return nil
}

// String returns the normalized address string.
func (l ListenAddr) String() string {
	return string(l)
}

// normalizeListenAddr converts various address formats to "host:port".
// Accepts: "5432", ":5432", "127.0.0.1:5432"
func normalizeListenAddr(s string) string {
	if !strings.Contains(s, ":") {
		// Just a port number like "5432"
		return ":" + s
	}
	return s
}
