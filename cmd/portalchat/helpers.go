package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	portalchat "github.com/agencyhub/portalchat"
	"github.com/agencyhub/portalchat/kvstore/rediskv"
	"github.com/agencyhub/portalchat/kvstore/sqlitekv"
	"github.com/agencyhub/portalchat/natsrt"
)

// session bundles an engine with what must be closed after it.
type session struct {
	cfg     *portalchat.Config
	client  *portalchat.Client
	engine  *portalchat.Engine
	sqlite  *sqlitekv.Store
	closers []func() error
}

func (s *session) Close() {
	if s.engine != nil {
		s.engine.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Debug().Err(err).Msg("close")
		}
	}
}

func getClient(cfg *portalchat.Config) (*portalchat.Client, error) {
	if cfg.Default.Token == "" {
		return nil, fmt.Errorf("no token. Run 'portalchat init <token>' first")
	}
	var opts []portalchat.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, portalchat.WithBaseURL(cfg.Default.BaseURL))
	}
	return portalchat.NewClient(cfg.Default.Token, opts...), nil
}

// openStore builds the configured cache backend.
func openStore(ctx context.Context, cfg *portalchat.Config, s *session) (portalchat.KV, error) {
	switch cfg.Cache.Backend {
	case "", "memory":
		return portalchat.NewMemoryKV(0), nil
	case "sqlite":
		st, err := sqlitekv.Open(ctx, cfg.Cache.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite cache: %w", err)
		}
		s.sqlite = st
		s.closers = append(s.closers, st.Close)
		return st, nil
	case "redis":
		if cfg.Cache.RedisURL == "" {
			return nil, fmt.Errorf("cache.redis_url is required for the redis backend")
		}
		cli, err := rediskv.New(ctx, cfg.Cache.RedisURL, tokenNamespace(cfg.Default.Token))
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, cli.Close)
		return cli, nil
	}
	return nil, fmt.Errorf("unknown cache backend %q (valid: memory, sqlite, redis)", cfg.Cache.Backend)
}

// openTransport builds the configured push transport; nil means poll only.
func openTransport(cfg *portalchat.Config, client *portalchat.Client) (portalchat.Transport, error) {
	switch cfg.Realtime.Transport {
	case "", "ws":
		return client.Realtime(&portalchat.RealtimeConfig{AutoReconnect: true, Logger: logger}), nil
	case "nats":
		t, err := natsrt.Connect(cfg.Realtime.NATSURL, natsrt.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return t, nil
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown realtime transport %q (valid: ws, nats, none)", cfg.Realtime.Transport)
}

// tokenNamespace keys a shared cache by a short fingerprint of the token.
func tokenNamespace(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// openSession loads config and wires an engine. withRealtime false skips the
// push transport for one-shot commands.
func openSession(ctx context.Context, withRealtime bool) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	client, err := getClient(cfg)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, client: client}

	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	opts.API = client
	opts.Users = client
	opts.Logger = logger
	if opts.Store, err = openStore(ctx, cfg, s); err != nil {
		s.Close()
		return nil, err
	}
	if withRealtime {
		t, err := openTransport(cfg, client)
		if err != nil {
			s.Close()
			return nil, err
		}
		opts.Transport = t
	}
	s.engine = portalchat.NewEngine(opts)
	return s, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printMessage(m portalchat.Message) {
	marker := ""
	switch {
	case m.Optimistic:
		marker = " (sending)"
	case m.Edited:
		marker = " (edited)"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), m.AuthorID, m.Body, marker)
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
