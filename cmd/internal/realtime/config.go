package realtime

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config controls the Manager. Zero values fall back to package defaults.
type Config struct {
	// BaseURL is the REST base URL; the cable endpoint is derived from it.
	BaseURL string
	// CablePath is appended to BaseURL (default "/cable").
	CablePath string
	// Channel is the top-level subscription channel name.
	Channel string

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration

	HeartbeatInterval time.Duration
	PingInterval      time.Duration
	PingTimeout       time.Duration

	// AutoReconnect schedules reconnection after unintentional closes.
	AutoReconnect bool
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	// MaxReconnectAttempts caps a reconnection loop; 0 retries forever.
	MaxReconnectAttempts int

	// MaxRetries is the retry count at which a queued operation is dropped.
	MaxRetries int
	// DrainPacing is the pause between retry-queue entries.
	DrainPacing time.Duration
	// QueueKey is the storage key of the retry queue.
	QueueKey string
}

// DefaultConfig returns a Config with production defaults and auto reconnect on.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:       baseURL,
		AutoReconnect: true,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.CablePath) == "" {
		c.CablePath = defaultCablePath
	}
	if strings.TrimSpace(c.Channel) == "" {
		c.Channel = defaultChannel
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = defaultMinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = defaultMaxBackoff
		if c.MaxBackoff < c.MinBackoff {
			c.MaxBackoff = c.MinBackoff
		}
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if strings.TrimSpace(c.QueueKey) == "" {
		c.QueueKey = DefaultQueueKey
	}
	if c.DrainPacing < 0 {
		c.DrainPacing = 0
	} else if c.DrainPacing == 0 {
		c.DrainPacing = defaultDrainPacing
	}
	return c
}

// EndpointURL derives the websocket endpoint from a REST base URL:
// http -> ws, https -> wss, path appended, credentials as query parameters.
func EndpointURL(baseURL, cablePath string, creds Credentials) (string, error) {
	raw := strings.TrimSpace(baseURL)
	if raw == "" {
		return "", fmt.Errorf("%w: empty base url", ErrConfig)
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: base url: %v", ErrConfig, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrConfig, u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("%w: base url missing host", ErrConfig)
	}

	p := cablePath
	if p == "" {
		p = defaultCablePath
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(p, "/")

	q := u.Query()
	if creds.Token != "" {
		q.Set("token", creds.Token)
	}
	if creds.UserID != "" {
		q.Set("user_id", creds.UserID)
	}
	u.RawQuery = q.Encode()
	u.Fragment = ""

	return u.String(), nil
}
