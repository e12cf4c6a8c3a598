package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	NodeID     int64  `mapstructure:"NODE_ID"`
	Log        struct {
		Level string `mapstructure:"LEVEL"`
	} `mapstructure:"LOG"`
	TLS struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"OTEL"`
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
	Auth struct {
		JWTSecret string `mapstructure:"JWT_SECRET"`
		JWTIssuer string `mapstructure:"JWT_ISSUER"`
	} `mapstructure:"AUTH"`
	Patreon struct {
		WebhookSecret string `mapstructure:"WEBHOOK_SECRET"`
		AccessToken   string `mapstructure:"ACCESS_TOKEN"`
		CampaignID    string `mapstructure:"CAMPAIGN_ID"`
		APIBaseURL    string `mapstructure:"API_BASE_URL"`
	} `mapstructure:"PATREON"`
	Kofi struct {
		VerificationToken string `mapstructure:"VERIFICATION_TOKEN"`
	} `mapstructure:"KOFI"`
	DriftDetection struct {
		Enabled         bool `mapstructure:"ENABLED"`
		IntervalMinutes int  `mapstructure:"INTERVAL_MINUTES"`
		AutoSyncEnabled bool `mapstructure:"AUTO_SYNC_ENABLED"`
		SyncDryRun      bool `mapstructure:"SYNC_DRY_RUN"`
	} `mapstructure:"DRIFT_DETECTION"`
	Expiry struct {
		Enabled         bool `mapstructure:"ENABLED"`
		IntervalMinutes int  `mapstructure:"INTERVAL_MINUTES"`
	} `mapstructure:"EXPIRY"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
}

// DriftInterval returns the configured drift detection interval, 12h when unset.
func (c *Config) DriftInterval() time.Duration {
	if c.DriftDetection.IntervalMinutes <= 0 {
		return 12 * time.Hour
	}
	return time.Duration(c.DriftDetection.IntervalMinutes) * time.Minute
}

// ExpiryInterval returns the configured expiration sweep interval, 1h when unset.
func (c *Config) ExpiryInterval() time.Duration {
	if c.Expiry.IntervalMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.Expiry.IntervalMinutes) * time.Minute
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "supporter-rewards")
	v.SetDefault("NODE_ID", 1)
	v.SetDefault("LOG.LEVEL", "")
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("TLS.ENABLE", false)
	v.SetDefault("TLS.CERT_PATH", "")
	v.SetDefault("TLS.KEY_PATH", "")
	v.SetDefault("OTEL.ADDR", "")
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.HOST", "localhost")
	v.SetDefault("DATABASE.PORT", "5432")
	v.SetDefault("DATABASE.DBNAME", "rewards")
	v.SetDefault("DATABASE.USER", "")
	v.SetDefault("DATABASE.PASSWORD", "")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("DATABASE.AUTO_MIGRATE", true)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_IDLE_CONN", 5)
	v.SetDefault("DATABASE.CONNECTION_POOL.MAX_OPEN_CONNS", 20)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_LIFETIME", time.Hour)
	v.SetDefault("DATABASE.CONNECTION_POOL.CONN_MAX_IDLE_TIME", 10*time.Minute)
	v.SetDefault("REDIS.ADDR", "localhost:6379")
	v.SetDefault("REDIS.PASSWORD", "")
	v.SetDefault("REDIS.DB", 0)
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 4*time.Second)
	v.SetDefault("AUTH.JWT_SECRET", "")
	v.SetDefault("AUTH.JWT_ISSUER", "supporter-rewards")
	v.SetDefault("PATREON.WEBHOOK_SECRET", "")
	v.SetDefault("PATREON.ACCESS_TOKEN", "")
	v.SetDefault("PATREON.CAMPAIGN_ID", "")
	v.SetDefault("PATREON.API_BASE_URL", "https://www.patreon.com/api/oauth2/v2")
	v.SetDefault("KOFI.VERIFICATION_TOKEN", "")
	v.SetDefault("DRIFT_DETECTION.ENABLED", false)
	v.SetDefault("DRIFT_DETECTION.INTERVAL_MINUTES", 720)
	v.SetDefault("DRIFT_DETECTION.AUTO_SYNC_ENABLED", false)
	v.SetDefault("DRIFT_DETECTION.SYNC_DRY_RUN", true)
	v.SetDefault("EXPIRY.ENABLED", true)
	v.SetDefault("EXPIRY.INTERVAL_MINUTES", 60)
	v.SetDefault("PYROSCOPE.ADDR", "")
	v.SetDefault("FLAGSMITH.ADDR", "")
	v.SetDefault("FLAGSMITH.API_KEY", "")
}

func LoadConfig() *Config {
	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()
	setDefaults(config)

	if err := config.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			zap.L().Error("failed to read config file", zap.Error(err))
			os.Exit(1)
		}
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	return &cfg
}
