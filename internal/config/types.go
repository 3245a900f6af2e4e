package config

import "time"

// Config is the full client configuration tree.
type Config struct {
	Pool      PoolConfig      `mapstructure:"pool"`
	Timeouts  TimeoutConfig   `mapstructure:"timeouts"`
	Retries   RetryConfig     `mapstructure:"retries"`
	Keepalive KeepaliveConfig `mapstructure:"keepalive"`
	Transport TransportConfig `mapstructure:"transport"`
	TLS       TLSConfig       `mapstructure:"tls"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type PoolConfig struct {
	MaxConnsPerOrigin int   `mapstructure:"maxconnsperorigin"`
	MaxIdlePerOrigin  int   `mapstructure:"maxidleperorigin"`
	NumPools          int   `mapstructure:"numpools"`
	BlockIfFull       bool  `mapstructure:"blockiffull"`
	GlobalMaxConns    int64 `mapstructure:"globalmaxconns"`
}

type TimeoutConfig struct {
	Connect  time.Duration `mapstructure:"connect"`
	Read     time.Duration `mapstructure:"read"`
	Write    time.Duration `mapstructure:"write"`
	Total    time.Duration `mapstructure:"total"`
	Continue time.Duration `mapstructure:"continue"`
}

type RetryConfig struct {
	Total             int           `mapstructure:"total"`
	Connect           int           `mapstructure:"connect"`
	Read              int           `mapstructure:"read"`
	Redirect          int           `mapstructure:"redirect"`
	Status            int           `mapstructure:"status"`
	StatusForcelist   []int         `mapstructure:"statusforcelist"`
	BackoffFactor     float64       `mapstructure:"backofffactor"`
	BackoffMax        time.Duration `mapstructure:"backoffmax"`
	RespectRetryAfter bool          `mapstructure:"respectretryafter"`
}

type KeepaliveConfig struct {
	IdleWindow          time.Duration `mapstructure:"idlewindow"`
	Delay               time.Duration `mapstructure:"delay"`
	CloseWhenUnverified bool          `mapstructure:"closewhenunverified"`
}

type TransportConfig struct {
	PreferH3        bool          `mapstructure:"preferh3"`
	KeepAlivePeriod time.Duration `mapstructure:"keepaliveperiod"`
}

type TLSConfig struct {
	CAFile             string `mapstructure:"cafile"`
	CADir              string `mapstructure:"cadir"`
	InsecureSkipVerify bool   `mapstructure:"insecureskipverify"`
	ClientCertFile     string `mapstructure:"clientcertfile"`
	ClientKeyFile      string `mapstructure:"clientkeyfile"`
	ServerName         string `mapstructure:"servername"`
}

type ProxyConfig struct {
	// URL routes all traffic through one proxy; empty defers to the
	// HTTP_PROXY/HTTPS_PROXY/ALL_PROXY/NO_PROXY environment.
	URL string `mapstructure:"url"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Theme      string `mapstructure:"theme"`
	PrettyLogs bool   `mapstructure:"prettylogs"`
	FileOutput bool   `mapstructure:"fileoutput"`
	LogDir     string `mapstructure:"logdir"`
	MaxSize    int    `mapstructure:"maxsize"`
	MaxBackups int    `mapstructure:"maxbackups"`
	MaxAge     int    `mapstructure:"maxage"`
}
