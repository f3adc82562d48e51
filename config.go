package msgcenter

import "time"

// Duration is a time.Duration that reads and writes as a Go duration string
// ("1s", "250ms") in config files.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config configures a Center.
type Config struct {
	// BaseURL is the message-center origin, e.g. https://app.example.com.
	BaseURL string `toml:"base_url"`
	// Token authenticates both the REST API and the live channel.
	Token string `toml:"token"`
	// UserID is the local user. The live channel's authenticated frame overrides it.
	UserID string `toml:"user_id"`

	Transport TransportConfig `toml:"transport"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Registry  RegistryConfig  `toml:"registry"`
	Unread    UnreadConfig    `toml:"unread"`
	Typing    TypingConfig    `toml:"typing"`
}

// TransportConfig configures the live channel.
type TransportConfig struct {
	// Path of the live channel relative to BaseURL.
	Path              string   `toml:"path"`
	AutoConnect       *bool    `toml:"auto_connect,omitempty"`
	AutoReconnect     *bool    `toml:"auto_reconnect,omitempty"`
	ReconnectAttempts int      `toml:"reconnect_attempts"`
	ReconnectDelay    Duration `toml:"reconnect_delay"`
	ReconnectMaxDelay Duration `toml:"reconnect_max_delay"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	HeartbeatTimeout  Duration `toml:"heartbeat_timeout"`
	DialTimeout       Duration `toml:"dial_timeout"`
	MaxQueue          int      `toml:"max_queue"`
}

// PipelineConfig configures message sending.
type PipelineConfig struct {
	MaxContentLength int      `toml:"max_content_length"`
	SendTimeout      Duration `toml:"send_timeout"`
}

// RegistryConfig configures snapshot refresh.
type RegistryConfig struct {
	// FetchAttempts is the number of automatic attempts per refresh, the first included.
	FetchAttempts    int      `toml:"fetch_attempts"`
	FetchRetryBase   Duration `toml:"fetch_retry_base"`
	FetchRetryOffset Duration `toml:"fetch_retry_offset"`
	// RefreshInterval is the period of background refreshes. Negative disables them.
	RefreshInterval Duration `toml:"refresh_interval"`
	FetchTimeout    Duration `toml:"fetch_timeout"`
}

// UnreadConfig configures the unread reconciler.
type UnreadConfig struct {
	ReadResyncDelay Duration `toml:"read_resync_delay"`
	DedupeTTL       Duration `toml:"dedupe_ttl"`
	DedupeMax       int      `toml:"dedupe_max"`
}

// TypingConfig configures typing indicators.
type TypingConfig struct {
	Debounce      Duration `toml:"debounce"`
	Idle          Duration `toml:"idle"`
	RemoteTimeout Duration `toml:"remote_timeout"`
	SweepInterval Duration `toml:"sweep_interval"`
}

func (c *Config) defaults() {
	c.Transport.defaults()
	c.Pipeline.defaults()
	c.Registry.defaults()
	c.Unread.defaults()
	c.Typing.defaults()
}

func (c *TransportConfig) defaults() {
	if c.Path == "" {
		c.Path = "/chat"
	}
	if c.AutoConnect == nil {
		c.AutoConnect = boolPtr(true)
	}
	if c.AutoReconnect == nil {
		c.AutoReconnect = boolPtr(true)
	}
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = Duration(time.Second)
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = Duration(30 * time.Second)
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = Duration(25 * time.Second)
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = Duration(10 * time.Second)
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = Duration(10 * time.Second)
	}
	if c.MaxQueue == 0 {
		c.MaxQueue = 1000
	}
}

func (c *PipelineConfig) defaults() {
	if c.MaxContentLength == 0 {
		c.MaxContentLength = 4000
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = Duration(30 * time.Second)
	}
}

func (c *RegistryConfig) defaults() {
	if c.FetchAttempts == 0 {
		c.FetchAttempts = 3
	}
	if c.FetchRetryBase == 0 {
		c.FetchRetryBase = Duration(2 * time.Second)
	}
	if c.FetchRetryOffset == 0 {
		c.FetchRetryOffset = Duration(time.Second)
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = Duration(60 * time.Second)
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = Duration(15 * time.Second)
	}
}

func (c *UnreadConfig) defaults() {
	if c.ReadResyncDelay == 0 {
		c.ReadResyncDelay = Duration(3 * time.Second)
	}
	if c.DedupeTTL == 0 {
		c.DedupeTTL = Duration(10 * time.Minute)
	}
	if c.DedupeMax == 0 {
		c.DedupeMax = 10000
	}
}

func (c *TypingConfig) defaults() {
	if c.Debounce == 0 {
		c.Debounce = Duration(time.Second)
	}
	if c.Idle == 0 {
		c.Idle = Duration(time.Second)
	}
	if c.RemoteTimeout == 0 {
		c.RemoteTimeout = Duration(5 * time.Second)
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = Duration(time.Second)
	}
}

func boolPtr(b bool) *bool { return &b }
