package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/perpexec/pkg/fixedpoint"
	"github.com/gregtusar/perpexec/pkg/lighter"
	"github.com/gregtusar/perpexec/pkg/models"
	"github.com/gregtusar/perpexec/pkg/nonce"
	"github.com/gregtusar/perpexec/pkg/secrets"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	GCP      GCPConfig      `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// JWTSecret enables bearer auth on the API when set.
	JWTSecret string `mapstructure:"jwt_secret"`
}

type ExchangeConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	WSURL        string `mapstructure:"ws_url"`
	AccountIndex int64  `mapstructure:"account_index"`
	// PrivateKeys maps API key index to hex private key.
	PrivateKeys        map[string]string `mapstructure:"private_keys"`
	APIKeyConfig       string            `mapstructure:"api_key_config"`
	Timeout            time.Duration     `mapstructure:"timeout"`
	RateLimitPerSecond float64           `mapstructure:"rate_limit_per_second"`
	RateBurst          int               `mapstructure:"rate_burst"`
}

type MarketConfig struct {
	ID            int   `mapstructure:"id"`
	SizeDecimals  int32 `mapstructure:"size_decimals"`
	PriceDecimals int32 `mapstructure:"price_decimals"`
}

type TradingConfig struct {
	DefaultMaxSlippagePercent float64        `mapstructure:"default_max_slippage_percent"`
	CloseMarketClientOrderID  int64          `mapstructure:"close_market_client_order_id"`
	CloseLimitClientOrderID   int64          `mapstructure:"close_limit_client_order_id"`
	DefaultClientOrderID      int64          `mapstructure:"default_client_order_id"`
	NonceMode                 string         `mapstructure:"nonce_mode"`
	OrderExpiry               time.Duration  `mapstructure:"order_expiry"`
	TxExpiry                  time.Duration  `mapstructure:"tx_expiry"`
	OperationTimeout          time.Duration  `mapstructure:"operation_timeout"`
	DefaultSizeDecimals       int32          `mapstructure:"default_size_decimals"`
	DefaultPriceDecimals      int32          `mapstructure:"default_price_decimals"`
	Markets                   []MarketConfig `mapstructure:"markets"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

// Load reads configuration from file, .env, environment and, when enabled,
// GCP Secret Manager. The result is validated.
func Load(configPath string) (*Config, error) {
	// a missing .env file is fine
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/perpexec")
	}

	v.SetEnvPrefix("PERPEXEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if config.Exchange.PrivateKeys == nil {
		config.Exchange.PrivateKeys = make(map[string]string)
	}

	if err := loadAPIKeyConfig(&config); err != nil {
		return nil, err
	}
	if err := overrideFromEnv(&config); err != nil {
		return nil, err
	}

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx := context.Background()
		logger := logrus.New()
		sm, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
		if err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
		defer sm.Close()
		if err := applySecrets(ctx, &config, sm); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
		logger.Info("Successfully loaded secrets from GCP Secret Manager")
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.jwt_secret", "")

	v.SetDefault("exchange.base_url", lighter.DefaultBaseURL)
	v.SetDefault("exchange.ws_url", lighter.DefaultStreamURL)
	v.SetDefault("exchange.account_index", 0)
	v.SetDefault("exchange.api_key_config", "api_key_config.json")
	v.SetDefault("exchange.timeout", lighter.DefaultTimeout)
	v.SetDefault("exchange.rate_limit_per_second", 10.0)
	v.SetDefault("exchange.rate_burst", 5)

	v.SetDefault("trading.default_max_slippage_percent", 0.5)
	v.SetDefault("trading.close_market_client_order_id", 999)
	v.SetDefault("trading.close_limit_client_order_id", 998)
	v.SetDefault("trading.default_client_order_id", 1)
	v.SetDefault("trading.nonce_mode", string(nonce.ModeRemote))
	v.SetDefault("trading.order_expiry", 28*24*time.Hour)
	v.SetDefault("trading.tx_expiry", 10*time.Minute)
	v.SetDefault("trading.operation_timeout", 60*time.Second)
	v.SetDefault("trading.default_size_decimals", 4)
	v.SetDefault("trading.default_price_decimals", 2)

	v.SetDefault("database.path", "./data/perpexec.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.account_index", secretNames.AccountIndex)
	v.SetDefault("gcp.secret_names.api_key_index", secretNames.APIKeyIndex)
	v.SetDefault("gcp.secret_names.private_key", secretNames.PrivateKey)
	v.SetDefault("gcp.secret_names.jwt_secret", secretNames.JWTSecret)
}

// apiKeyFile is the credentials file layout written by the exchange's
// key setup tooling.
type apiKeyFile struct {
	BaseURL      string            `json:"baseUrl"`
	AccountIndex *int64            `json:"accountIndex"`
	PrivateKeys  map[string]string `json:"privateKeys"`
}

// loadAPIKeyConfig fills credentials from the api key file when the main
// config carries none.
func loadAPIKeyConfig(config *Config) error {
	path := config.Exchange.APIKeyConfig
	if path == "" || len(config.Exchange.PrivateKeys) > 0 {
		return nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error reading %s: %w", path, err)
	}

	var f apiKeyFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("error parsing %s: %w", path, err)
	}
	if f.BaseURL != "" {
		config.Exchange.BaseURL = f.BaseURL
	}
	if f.AccountIndex != nil {
		config.Exchange.AccountIndex = *f.AccountIndex
	}
	for idx, key := range f.PrivateKeys {
		config.Exchange.PrivateKeys[idx] = key
	}
	return nil
}

func overrideFromEnv(config *Config) error {
	if baseURL := os.Getenv("LIGHTER_BASE_URL"); baseURL != "" {
		config.Exchange.BaseURL = baseURL
	}
	if account := os.Getenv("LIGHTER_ACCOUNT_INDEX"); account != "" {
		idx, err := cast.ToInt64E(account)
		if err != nil {
			return fmt.Errorf("invalid LIGHTER_ACCOUNT_INDEX %q: %w", account, err)
		}
		config.Exchange.AccountIndex = idx
	}
	if key := os.Getenv("LIGHTER_PRIVATE_KEY"); key != "" {
		idx := os.Getenv("LIGHTER_API_KEY_INDEX")
		if idx == "" {
			idx = "0"
		}
		config.Exchange.PrivateKeys[idx] = key
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets != "" {
		config.GCP.UseSecrets = cast.ToBool(useSecrets)
	}
	return nil
}

type secretSource interface {
	GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string
}

// applySecrets fills only the values that are still unset.
func applySecrets(ctx context.Context, config *Config, src secretSource) error {
	names := config.GCP.SecretNames

	if len(config.Exchange.PrivateKeys) == 0 {
		if key := src.GetSecretWithDefault(ctx, names.PrivateKey, ""); key != "" {
			idx := src.GetSecretWithDefault(ctx, names.APIKeyIndex, "0")
			config.Exchange.PrivateKeys[idx] = key
		}
	}
	if config.Exchange.AccountIndex == 0 {
		if raw := src.GetSecretWithDefault(ctx, names.AccountIndex, ""); raw != "" {
			idx, err := cast.ToInt64E(raw)
			if err != nil {
				return fmt.Errorf("secret %s: %w", names.AccountIndex, err)
			}
			config.Exchange.AccountIndex = idx
		}
	}
	if config.Server.JWTSecret == "" {
		config.Server.JWTSecret = src.GetSecretWithDefault(ctx, names.JWTSecret, "")
	}
	return nil
}

func parseKeyIndex(raw string) (uint8, error) {
	idx, err := cast.ToIntE(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("api key index %q: %w", raw, err)
	}
	if idx < 0 || idx >= int(models.APIKeyIndexAll) {
		return 0, fmt.Errorf("api key index %d out of range [0,%d]", idx, models.APIKeyIndexCustomEnd)
	}
	return uint8(idx), nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs error

	if c.Exchange.BaseURL == "" {
		errs = multierr.Append(errs, errors.New("exchange.base_url is required"))
	}
	if c.Exchange.AccountIndex < 0 {
		errs = multierr.Append(errs, fmt.Errorf("exchange.account_index %d is negative", c.Exchange.AccountIndex))
	}
	for raw := range c.Exchange.PrivateKeys {
		if _, err := parseKeyIndex(raw); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("exchange.private_keys: %w", err))
		}
	}
	if c.Exchange.Timeout <= 0 {
		errs = multierr.Append(errs, errors.New("exchange.timeout must be positive"))
	}
	if c.Exchange.RateLimitPerSecond < 0 {
		errs = multierr.Append(errs, errors.New("exchange.rate_limit_per_second must not be negative"))
	}

	if s := c.Trading.DefaultMaxSlippagePercent; s < 0 || s >= 100 {
		errs = multierr.Append(errs, fmt.Errorf("trading.default_max_slippage_percent %v must be in [0, 100)", s))
	}
	if _, err := nonce.ParseMode(c.Trading.NonceMode); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("trading.nonce_mode: %w", err))
	}
	if _, err := fixedpoint.New(c.Trading.DefaultSizeDecimals, c.Trading.DefaultPriceDecimals); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("trading default decimals: %w", err))
	}
	for _, m := range c.Trading.Markets {
		if m.ID < 0 || m.ID >= int(models.AllMarkets) {
			errs = multierr.Append(errs, fmt.Errorf("trading.markets: id %d out of range", m.ID))
			continue
		}
		if _, err := fixedpoint.New(m.SizeDecimals, m.PriceDecimals); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("trading.markets[%d]: %w", m.ID, err))
		}
	}
	for name, id := range map[string]int64{
		"close_market_client_order_id": c.Trading.CloseMarketClientOrderID,
		"close_limit_client_order_id":  c.Trading.CloseLimitClientOrderID,
		"default_client_order_id":      c.Trading.DefaultClientOrderID,
	} {
		if id < 0 || id > fixedpoint.MaxBaseAmount {
			errs = multierr.Append(errs, fmt.Errorf("trading.%s %d out of range", name, id))
		}
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = multierr.Append(errs, fmt.Errorf("logging.format %q must be json or text", c.Logging.Format))
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("logging.level: %w", err))
	}

	return errs
}

// SigningKeys returns the configured private keys by API key index. It fails
// with models.ErrConfigNotFound when none is configured; read-only callers
// can ignore that.
func (c *Config) SigningKeys() (map[uint8]string, error) {
	out := make(map[uint8]string, len(c.Exchange.PrivateKeys))
	for raw, key := range c.Exchange.PrivateKeys {
		if strings.TrimSpace(key) == "" {
			continue
		}
		idx, err := parseKeyIndex(raw)
		if err != nil {
			return nil, err
		}
		out[idx] = key
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no private key in config, %s or LIGHTER_PRIVATE_KEY", models.ErrConfigNotFound, c.Exchange.APIKeyConfig)
	}
	return out, nil
}

// CodecOverrides returns the per-market precision configured locally.
func (c *Config) CodecOverrides() map[uint8]fixedpoint.Codec {
	out := make(map[uint8]fixedpoint.Codec, len(c.Trading.Markets))
	for _, m := range c.Trading.Markets {
		out[uint8(m.ID)] = fixedpoint.Codec{SizeDecimals: m.SizeDecimals, PriceDecimals: m.PriceDecimals}
	}
	return out
}

func (c *Config) DefaultCodec() fixedpoint.Codec {
	return fixedpoint.Codec{SizeDecimals: c.Trading.DefaultSizeDecimals, PriceDecimals: c.Trading.DefaultPriceDecimals}
}

func (c *Config) DefaultMaxSlippage() decimal.Decimal {
	return decimal.NewFromFloat(c.Trading.DefaultMaxSlippagePercent)
}
