// Package rediskv is a portalchat.KV on Redis so several client processes of
// the same user share one message cache.
package rediskv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	portalchat "github.com/agencyhub/portalchat"
)

const defaultOpTimeout = 2 * time.Second

type Client struct {
	cli     *redis.Client
	prefix  string
	timeout time.Duration
}

// New connects to url. Every key is namespaced under prefix (for example the
// user id) so processes of different users never collide.
func New(ctx context.Context, url, prefix string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &Client{cli: cli, prefix: "portalchat:" + prefix, timeout: defaultOpTimeout}, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func (c *Client) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout)
}

func (c *Client) Get(key string) ([]byte, bool, error) {
	ctx, cancel := c.ctx()
	defer cancel()
	val, err := c.cli.Get(ctx, c.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

// Set stores value with a native TTL matching the entry's expiry.
func (c *Client) Set(key string, value []byte, ttl time.Duration) error {
	ctx, cancel := c.ctx()
	defer cancel()
	if err := c.cli.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		if isOOM(err) {
			return fmt.Errorf("%w: %v", portalchat.ErrQuotaExceeded, err)
		}
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func isOOM(err error) bool {
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return strings.HasPrefix(rerr.Error(), "OOM")
	}
	return false
}

func (c *Client) Delete(key string) error {
	ctx, cancel := c.ctx()
	defer cancel()
	if err := c.cli.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Keys scans for keys under prefix.
func (c *Client) Keys(prefix string) ([]string, error) {
	ctx, cancel := c.ctx()
	defer cancel()
	var keys []string
	iter := c.cli.Scan(ctx, 0, globEscape(c.prefix+prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), c.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func globEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
