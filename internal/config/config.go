package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath          = "config.toml"
	DefaultHTTPAddr            = ":8080"
	DefaultJWTExpiresIn        = "24h"
	DefaultBridgePath          = "/wechat"
	DefaultVerificationToken   = "wechat_token"
	DefaultWechatTokenURI      = "https://api.weixin.qq.com/cgi-bin/token"
	DefaultWechatCustomerURI   = "https://api.weixin.qq.com/cgi-bin/message/custom/send"
	DefaultWechatMediaURI      = "https://api.weixin.qq.com/cgi-bin/media/upload"
	DefaultWechatMenuURI       = "https://api.weixin.qq.com/cgi-bin/menu/create"
	DefaultWelcomeMessage      = "Thank you for subscribing! I am the geffzhang ! "
	DefaultRelayEndpoint       = "https://directline.botframework.com"
	DefaultRelayChannelID      = "directline"
	DefaultRelaySubchannel     = "wechat"
	DefaultRegistryDriver      = "memory"
	DefaultSQLitePath          = "data/weyhdbot.db"
	DefaultPGHost              = "127.0.0.1"
	DefaultPGPort              = 5432
	DefaultPGUser              = "postgres"
	DefaultPGDatabase          = "weyhdbot"
	DefaultPGSSLMode           = "disable"
	DefaultRedisAddr           = "127.0.0.1:6379"
	DefaultRedisKeyPrefix      = "weyhdbot"
	DefaultEventsExchange      = "weyhdbot.events"
	DefaultTokenWarmupSpec     = "@every 30m"
	DefaultRelayRefreshSpec    = "@every 10m"
	DefaultTimeoutSeconds      = 15
	DefaultInboundQueueSize    = 256
	DefaultInboundWorkers      = 4
	DefaultDedupTTLSeconds     = 300
	DefaultDedupCapacity       = 4096
	RelayAuthModeSecret        = "secret"
	RelayAuthModeToken         = "token"
	RegistryDriverMemory       = "memory"
	RegistryDriverSQLite       = "sqlite"
	RegistryDriverPostgres     = "postgres"
	RegistryDriverRedis        = "redis"
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Wechat   WechatConfig   `toml:"wechat"`
	Relay    RelayConfig    `toml:"relay"`
	Registry RegistryConfig `toml:"registry"`
	Postgres PostgresConfig `toml:"postgres"`
	SQLite   SQLiteConfig   `toml:"sqlite"`
	Redis    RedisConfig    `toml:"redis"`
	Bridge   BridgeConfig   `toml:"bridge"`
	Events   EventsConfig   `toml:"events"`
	Schedule ScheduleConfig `toml:"schedule"`
}

type LogConfig struct {
	Level  string `toml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `toml:"format" validate:"omitempty,oneof=text json"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type AuthConfig struct {
	// JWTSecret protects the outgoing bridging endpoints. Empty disables auth.
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

// WechatConfig holds the official-account credentials and API endpoints.
type WechatConfig struct {
	AppID               string  `toml:"app_id"`
	AppSecret           string  `toml:"app_secret"`
	Token               string  `toml:"token" validate:"required"`
	TokenURI            string  `toml:"token_uri" validate:"required,url"`
	CustomerEndpoint    string  `toml:"customer_endpoint" validate:"required,url"`
	MediaUploadEndpoint string  `toml:"media_upload_endpoint" validate:"required,url"`
	MenuUploadEndpoint  string  `toml:"menu_upload_endpoint" validate:"required,url"`
	UpdateMenuOnRun     bool    `toml:"update_menu_on_run"`
	DefaultMenu         string  `toml:"default_menu"`
	WelcomeMessage      string  `toml:"welcome_message"`
	TimeoutSeconds      int     `toml:"timeout_seconds" validate:"gte=0"`
	SendRatePerSecond   float64 `toml:"send_rate_per_second" validate:"gte=0"`
}

func (c WechatConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds)
}

// RelayConfig configures the Direct Line relay.
type RelayConfig struct {
	Endpoint       string `toml:"endpoint" validate:"required,url"`
	BotSecret      string `toml:"bot_secret"`
	BotID          string `toml:"bot_id"`
	AuthMode       string `toml:"auth_mode" validate:"oneof=secret token"`
	ChannelID      string `toml:"channel_id" validate:"required"`
	Subchannel     string `toml:"subchannel" validate:"required"`
	TimeoutSeconds int    `toml:"timeout_seconds" validate:"gte=0"`
	StreamReplies  bool   `toml:"stream_replies"`
}

func (c RelayConfig) Timeout() time.Duration {
	return seconds(c.TimeoutSeconds)
}

type RegistryConfig struct {
	Driver string `toml:"driver" validate:"oneof=memory sqlite postgres redis"`
}

type PostgresConfig struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	User        string `toml:"user"`
	Password    string `toml:"password"`
	Database    string `toml:"database"`
	SSLMode     string `toml:"sslmode"`
	AutoMigrate bool   `toml:"auto_migrate"`
}

// DSN returns a postgres:// URL usable by both pgx and golang-migrate.
func (c PostgresConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else {
		u.User = url.User(c.User)
	}
	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type SQLiteConfig struct {
	Path string `toml:"path"`
}

type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db" validate:"gte=0"`
	KeyPrefix string `toml:"key_prefix"`
}

// BridgeConfig tunes the inbound webhook pipeline.
type BridgeConfig struct {
	Path            string `toml:"path" validate:"required,startswith=/"`
	QueueSize       int    `toml:"queue_size" validate:"gt=0"`
	Workers         int    `toml:"workers" validate:"gt=0"`
	DedupTTLSeconds int    `toml:"dedup_ttl_seconds" validate:"gt=0"`
	DedupCapacity   int    `toml:"dedup_capacity" validate:"gt=0"`
}

func (c BridgeConfig) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLSeconds) * time.Second
}

type EventsConfig struct {
	Enabled  bool   `toml:"enabled"`
	URL      string `toml:"url" validate:"required_if=Enabled true"`
	Exchange string `toml:"exchange"`
}

// ScheduleConfig holds cron specs for background jobs. Empty disables a job.
type ScheduleConfig struct {
	TokenWarmup  string `toml:"token_warmup"`
	RelayRefresh string `toml:"relay_refresh"`
}

func seconds(v int) time.Duration {
	if v <= 0 {
		v = DefaultTimeoutSeconds
	}
	return time.Duration(v) * time.Second
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Wechat: WechatConfig{
			Token:               DefaultVerificationToken,
			TokenURI:            DefaultWechatTokenURI,
			CustomerEndpoint:    DefaultWechatCustomerURI,
			MediaUploadEndpoint: DefaultWechatMediaURI,
			MenuUploadEndpoint:  DefaultWechatMenuURI,
			WelcomeMessage:      DefaultWelcomeMessage,
			TimeoutSeconds:      DefaultTimeoutSeconds,
		},
		Relay: RelayConfig{
			Endpoint:       DefaultRelayEndpoint,
			AuthMode:       RelayAuthModeSecret,
			ChannelID:      DefaultRelayChannelID,
			Subchannel:     DefaultRelaySubchannel,
			TimeoutSeconds: DefaultTimeoutSeconds,
		},
		Registry: RegistryConfig{
			Driver: DefaultRegistryDriver,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		SQLite: SQLiteConfig{
			Path: DefaultSQLitePath,
		},
		Redis: RedisConfig{
			Addr:      DefaultRedisAddr,
			KeyPrefix: DefaultRedisKeyPrefix,
		},
		Bridge: BridgeConfig{
			Path:            DefaultBridgePath,
			QueueSize:       DefaultInboundQueueSize,
			Workers:         DefaultInboundWorkers,
			DedupTTLSeconds: DefaultDedupTTLSeconds,
			DedupCapacity:   DefaultDedupCapacity,
		},
		Events: EventsConfig{
			Exchange: DefaultEventsExchange,
		},
		Schedule: ScheduleConfig{
			TokenWarmup:  DefaultTokenWarmupSpec,
			RelayRefresh: DefaultRelayRefreshSpec,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field constraints declared in struct tags.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
