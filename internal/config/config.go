package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Serial  SerialConfig  `mapstructure:"serial"`
	Updates UpdatesConfig `mapstructure:"updates"`
	Device  DeviceConfig  `mapstructure:"device"`
	Journal JournalConfig `mapstructure:"journal"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type ServerConfig struct {
	GRPCPort        int           `mapstructure:"grpc_port"`
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SerialConfig struct {
	// Port is a fixed port name. Empty means auto-detect by VID/PID.
	Port           string        `mapstructure:"port"`
	VID            string        `mapstructure:"vid"`
	PID            string        `mapstructure:"pid"`
	BaudRate       int           `mapstructure:"baud_rate"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	Handshake      string        `mapstructure:"handshake"`
}

type UpdatesConfig struct {
	DirectoryURL     string        `mapstructure:"directory_url"`
	Channel          string        `mapstructure:"channel"`
	DownloadDir      string        `mapstructure:"download_dir"`
	CheckTimeout     time.Duration `mapstructure:"check_timeout"`
	ReconnectTimeout time.Duration `mapstructure:"reconnect_timeout"`
	AutoCheck        bool          `mapstructure:"auto_check"`
}

type DeviceConfig struct {
	// Region is the country code provisioned after a repair.
	Region    string `mapstructure:"region"`
	WorkDir   string `mapstructure:"work_dir"`
	ChunkSize int    `mapstructure:"chunk_size"`
}

// JournalConfig selects where finished operations are recorded. An empty
// driver disables the journal.
type JournalConfig struct {
	Driver         string `mapstructure:"driver"`
	Path           string `mapstructure:"path"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type AuthConfig struct {
	Enabled         bool                 `mapstructure:"enabled"`
	JWTSecretEnv    string               `mapstructure:"jwt_secret_env"`
	AccessTokenTTL  time.Duration        `mapstructure:"access_token_ttl"`
	RefreshTokenTTL time.Duration        `mapstructure:"refresh_token_ttl"`
	Users           []UserConfig         `mapstructure:"users"`
	MachineTokens   []MachineTokenConfig `mapstructure:"machine_tokens"`
}

// UserConfig is an operator account. PasswordHash is an argon2id hash as
// produced by `devicecore hash-password`.
type UserConfig struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
	Role         string `mapstructure:"role"`
}

// MachineTokenConfig lets another system call the API. Hash is the hex
// sha256 of the whole token as printed by `devicecore token`.
type MachineTokenConfig struct {
	Name        string   `mapstructure:"name"`
	TokenID     string   `mapstructure:"token_id"`
	Hash        string   `mapstructure:"hash"`
	Permissions []string `mapstructure:"permissions"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// Load reads path (YAML) on top of the defaults. An empty path loads
// defaults and environment only. Every key can be overridden by an ODC_
// variable, e.g. ODC_SERIAL_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("serial.port", "")
	v.SetDefault("serial.vid", "0483")
	v.SetDefault("serial.pid", "5740")
	v.SetDefault("serial.baud_rate", 230400)
	v.SetDefault("serial.request_timeout", "5s")
	v.SetDefault("serial.poll_interval", "1s")
	v.SetDefault("serial.handshake", "start_rpc_session\r")

	v.SetDefault("updates.directory_url", "")
	v.SetDefault("updates.channel", "release")
	v.SetDefault("updates.download_dir", "")
	v.SetDefault("updates.check_timeout", "30s")
	v.SetDefault("updates.reconnect_timeout", "2m")
	v.SetDefault("updates.auto_check", true)

	v.SetDefault("device.region", "")
	v.SetDefault("device.work_dir", defaultWorkDir())
	v.SetDefault("device.chunk_size", 512)

	v.SetDefault("journal.driver", "sqlite")
	v.SetDefault("journal.path", "")
	v.SetDefault("journal.host", "localhost")
	v.SetDefault("journal.port", 5432)
	v.SetDefault("journal.database", "devicecore")
	v.SetDefault("journal.user", "devicecore")
	v.SetDefault("journal.password", "")
	v.SetDefault("journal.max_connections", 4)

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret_env", "JWT_SECRET")
	v.SetDefault("auth.access_token_ttl", "60m")
	v.SetDefault("auth.refresh_token_ttl", "168h")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetEnvPrefix("ODC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.Updates.DownloadDir == "" {
		config.Updates.DownloadDir = config.Device.WorkDir + "/downloads"
	}
	if config.Journal.Path == "" {
		config.Journal.Path = config.Device.WorkDir + "/journal.sqlite"
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Journal.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid journal driver %q (want sqlite or postgres)", c.Journal.Driver)
	}
	if c.Device.ChunkSize <= 0 {
		return fmt.Errorf("device.chunk_size must be positive")
	}
	if c.Auth.Enabled && len(c.Auth.Users) == 0 && len(c.Auth.MachineTokens) == 0 {
		return fmt.Errorf("auth is enabled but no users or machine tokens are configured")
	}
	return nil
}

func defaultWorkDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "devicecore"
	}
	return dir + "/devicecore"
}

func (c *JournalConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// GetJWTSecret reads the signing secret from the configured environment
// variable, falling back to a development secret.
func (a *AuthConfig) GetJWTSecret() string {
	envVar := a.JWTSecretEnv
	if envVar == "" {
		envVar = "JWT_SECRET"
	}

	secret := os.Getenv(envVar)
	if secret == "" {
		return "dev-secret-change-in-production-min-32-chars"
	}
	return secret
}

func (a *AuthConfig) IsProductionReady() bool {
	secret := a.GetJWTSecret()
	return secret != "dev-secret-change-in-production-min-32-chars" && len(secret) >= 32
}
