package cmd

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/service-exchange/internal/api"
	"github.com/spigell/service-exchange/internal/logger"
)

const (
	app       = "service-exchange"
	envPrefix = "SEX"
)

type Config struct {
	Server     api.Config       `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Matching   MatchingConfig   `mapstructure:"matching"`
	Capability CapabilityConfig `mapstructure:"capability"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Geocoding  GeocodingConfig  `mapstructure:"geocoding"`
	Seats      SeatsConfig      `mapstructure:"seats"`
	Bots       BotsConfig       `mapstructure:"bots"`
}

type StorageConfig struct {
	// Backend is one of memory, redis or postgres.
	Backend  string         `mapstructure:"backend"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	PasswordFile string        `mapstructure:"password-file"`
	DB           int           `mapstructure:"db"`
	Prefix       string        `mapstructure:"prefix"`
	LockTTL      time.Duration `mapstructure:"lock-ttl"`
}

type PostgresConfig struct {
	DSNFile string `mapstructure:"dsn-file"`
	Table   string `mapstructure:"table"`
}

type MatchingConfig struct {
	DefaultMaxDistance float64       `mapstructure:"default-max-distance"`
	TieBucketWidth     float64       `mapstructure:"tie-bucket-width"`
	MaxCommitAttempts  int           `mapstructure:"max-commit-attempts"`
	RejectGrace        time.Duration `mapstructure:"reject-grace"`
	IncludeOwnBids     bool          `mapstructure:"include-own-bids"`
}

type CapabilityConfig struct {
	KeywordThreshold int           `mapstructure:"keyword-threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
	TrustNo          bool          `mapstructure:"trust-no"`
	AI               AIConfig      `mapstructure:"ai"`
}

type AIConfig struct {
	Enabled  bool         `mapstructure:"enabled"`
	Provider string       `mapstructure:"provider"`
	Gemini   GeminiConfig `mapstructure:"gemini"`
}

type GeminiConfig struct {
	APIKeyFile   string  `mapstructure:"api-key-file"`
	Model        string  `mapstructure:"model"`
	MaxRetries   int     `mapstructure:"max-retries"`
	MaxTokens    int32   `mapstructure:"max-tokens"`
	Temperature  float32 `mapstructure:"temperature"`
	MaxLogLength int     `mapstructure:"max-log-length"`
}

type AuthConfig struct {
	TokenTTL time.Duration `mapstructure:"token-ttl"`
}

type GeocodingConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	URL       string        `mapstructure:"url"`
	UserAgent string        `mapstructure:"user-agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type SeatsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	File    string `mapstructure:"file"`
}

type BotsConfig struct {
	APIURL   string        `mapstructure:"api-url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Interval time.Duration `mapstructure:"interval"`
}

var defaults = map[string]any{
	"server.listen":                       api.DefaultListen,
	"server.cors-origins":                 []string{"*"},
	"server.rate-limit":                   api.DefaultRateLimit,
	"server.rate-burst":                   api.DefaultRateBurst,
	"storage.backend":                     "memory",
	"storage.redis.addr":                  "localhost:6379",
	"storage.redis.password-file":         "",
	"storage.redis.db":                    0,
	"storage.redis.prefix":                "service-exchange:",
	"storage.redis.lock-ttl":              "10s",
	"storage.postgres.dsn-file":           "",
	"storage.postgres.table":              "documents",
	"matching.default-max-distance":       10.0,
	"matching.tie-bucket-width":           0.5,
	"matching.max-commit-attempts":        5,
	"matching.reject-grace":               "1h",
	"matching.include-own-bids":           false,
	"capability.keyword-threshold":        1,
	"capability.timeout":                  "5s",
	"capability.trust-no":                 false,
	"capability.ai.enabled":               false,
	"capability.ai.provider":              "gemini",
	"capability.ai.gemini.api-key-file":   "",
	"capability.ai.gemini.model":          "",
	"capability.ai.gemini.max-retries":    2,
	"capability.ai.gemini.max-tokens":     10,
	"capability.ai.gemini.temperature":    0.0,
	"capability.ai.gemini.max-log-length": 200,
	"auth.token-ttl":                      "24h",
	"geocoding.enabled":                   false,
	"geocoding.url":                       "https://nominatim.openstreetmap.org",
	"geocoding.user-agent":                "service-exchange/geocoder",
	"geocoding.timeout":                   "5s",
	"seats.enabled":                       false,
	"seats.file":                          "seats.yaml",
	"bots.api-url":                        "http://localhost:8080",
	"bots.username":                       "",
	"bots.password":                       "",
	"bots.interval":                       "0s",
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "service-exchange matches buyers' service requests with providers",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is service-exchange.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func initConfig() {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	for key, value := range defaults {
		viper.SetDefault(key, value)
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app)
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// Only an explicitly requested config file is mandatory.
		if cfgFile != "" || !errors.As(err, &notFound) {
			log.Fatal(err)
		}
	}
}

func getConfig() (*Config, error) {
	var config *Config
	err := viper.Unmarshal(&config)
	if err != nil {
		return config, err
	}

	return config, nil
}

// setup builds the logger and reads the config. Failures are fatal.
func setup() (*zap.Logger, *Config) {
	lg, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"), zap.String("app", app))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}

	config, err := getConfig()
	if err != nil {
		lg.Fatal("getting a config", zap.Error(err))
	}
	if config == nil {
		lg.Fatal("config is required")
	}

	return lg, config
}
