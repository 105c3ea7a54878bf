package config

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	_ "github.com/spf13/viper/remote"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	Consul struct {
		Addr        string `mapstructure:"ADDR"`
		ServiceHost string `mapstructure:"SERVICE_HOST"`
	} `mapstructure:"CONSUL"`
	Vault struct {
		Addr  string `mapstructure:"ADDR"`
		Token string `mapstructure:"TOKEN"`
		Path  string `mapstructure:"PATH"`
	} `mapstructure:"VAULT"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		AutoMigrate    bool   `mapstructure:"AUTO_MIGRATE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Snowflake struct {
		Node int64 `mapstructure:"NODE"`
	} `mapstructure:"SNOWFLAKE"`
	License struct {
		FingerprintSalt string        `mapstructure:"FINGERPRINT_SALT"`
		StoreTimeout    time.Duration `mapstructure:"STORE_TIMEOUT"`
		WarningDays     int           `mapstructure:"WARNING_DAYS"`
		LockExpiry      time.Duration `mapstructure:"LOCK_EXPIRY"`
	} `mapstructure:"LICENSE"`
	Payment struct {
		BaseURL          string        `mapstructure:"BASE_URL"`
		WebhookSecret    string        `mapstructure:"WEBHOOK_SECRET"`
		WebhookTolerance time.Duration `mapstructure:"WEBHOOK_TOLERANCE"`
		AsyncWebhooks    bool          `mapstructure:"ASYNC_WEBHOOKS"`
		EventRetention   time.Duration `mapstructure:"EVENT_RETENTION"`
	} `mapstructure:"PAYMENT"`
	Admin struct {
		SecretKey string `mapstructure:"SECRET_KEY"`
	} `mapstructure:"ADMIN"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "licensing-controlplane")
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_IDLE_CONN", 5)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS", 20)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME", time.Hour)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_IDLE_TIME", 10*time.Minute)
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 5*time.Second)
	v.SetDefault("SNOWFLAKE.NODE", 1)
	v.SetDefault("LICENSE.FINGERPRINT_SALT", "default_salt")
	v.SetDefault("LICENSE.STORE_TIMEOUT", 5*time.Second)
	v.SetDefault("LICENSE.WARNING_DAYS", 30)
	v.SetDefault("LICENSE.LOCK_EXPIRY", 10*time.Second)
	v.SetDefault("PAYMENT.BASE_URL", "https://your-domain.com")
	v.SetDefault("PAYMENT.WEBHOOK_TOLERANCE", 5*time.Minute)
	v.SetDefault("PAYMENT.EVENT_RETENTION", 30*24*time.Hour)

	// empty defaults register the keys so AutomaticEnv resolves them on Unmarshal
	for _, key := range []string{
		"APP_VERSION", "TLS.CERT_PATH", "TLS.KEY_PATH",
		"OTEL.ADDR", "PYROSCOPE.ADDR", "FLAGSMITH.ADDR", "FLAGSMITH.API_KEY", "CONSUL.ADDR", "CONSUL.SERVICE_HOST", "VAULT.ADDR", "VAULT.TOKEN", "VAULT.PATH",
		"DATABASE.HOST", "DATABASE.PORT", "DATABASE.DBNAME", "DATABASE.USER", "DATABASE.PASSWORD",
		"REDIS.PASSWORD", "PAYMENT.WEBHOOK_SECRET", "ADMIN.SECRET_KEY",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("TLS.ENABLE", false)
	v.SetDefault("DATABASE.AUTO_MIGRATE", false)
	v.SetDefault("PAYMENT.ASYNC_WEBHOOKS", false)
	v.SetDefault("REDIS.DB", 0)
}

// Default returns the configuration built from defaults and the environment
// only. Used by the CLI and tests.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal default config", zap.Error(err))
	}
	return &cfg
}

func LoadConfig(p Params) *Config {
	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")
	setDefaults(config)

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			zap.L().Error("failed to read config", zap.Error(err))
			os.Exit(1)
		}
		zap.L().Warn("config.yaml not found, using defaults and environment")
	}

	if err := readRemote(config); err != nil {
		zap.L().Error("failed to read remote config", zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		applyVaultSecrets(p.Vault, &cfg)
	}

	return &cfg
}

// readRemote layers a key/value store under the local file when
// REMOTE_CONFIG_ADDR is set. The provider defaults to consul.
func readRemote(v *viper.Viper) error {
	addr := os.Getenv("REMOTE_CONFIG_ADDR")
	if addr == "" {
		return nil
	}

	provider := os.Getenv("REMOTE_CONFIG_PROVIDER")
	if provider == "" {
		provider = "consul"
	}
	path := os.Getenv("REMOTE_CONFIG_PATH")
	if path == "" {
		path = "config/licensing-controlplane"
	}

	if err := v.AddRemoteProvider(provider, addr, path); err != nil {
		return err
	}
	if err := v.ReadRemoteConfig(); err != nil {
		return err
	}
	zap.L().Info("remote config loaded", zap.String("provider", provider), zap.String("path", path))
	return nil
}

func applyVaultSecrets(client *vault.Client, cfg *Config) {
	path := cfg.Vault.Path
	if path == "" {
		path = cfg.AppEnv
	}

	zap.L().Info("Starting Get Secrets", zap.String("path", path))
	secret, err := client.Secrets.KvV2Read(context.Background(), path, vault.WithMountPath("secret"))
	if err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		os.Exit(1)
	}
	zap.L().Info("Success Get Secret")

	set := func(dst *string, key string) {
		if val, ok := secret.Data.Data[key].(string); ok && val != "" {
			*dst = val
		}
	}

	set(&cfg.Database.User, "database_user")
	set(&cfg.Database.Password, "database_password")
	set(&cfg.Redis.Password, "redis_password")
	set(&cfg.License.FingerprintSalt, "fingerprint_salt")
	set(&cfg.Payment.WebhookSecret, "webhook_secret")
	set(&cfg.Admin.SecretKey, "admin_secret_key")
}
