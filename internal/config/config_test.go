package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gregtusar/perpexec/pkg/fixedpoint"
	"github.com/gregtusar/perpexec/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"LIGHTER_BASE_URL", "LIGHTER_ACCOUNT_INDEX", "LIGHTER_API_KEY_INDEX", "LIGHTER_PRIVATE_KEY",
		"GCP_PROJECT_ID", "GCP_USE_SECRETS",
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
exchange:
  base_url: https://testnet.example
  account_index: 42
  api_key_config: `+filepath.Join(dir, "missing.json")+`
  private_keys:
    "3": "0xabc"
trading:
  default_max_slippage_percent: 1.5
  nonce_mode: cached
  markets:
    - id: 1
      size_decimals: 5
      price_decimals: 1
logging:
  level: debug
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://testnet.example", cfg.Exchange.BaseURL)
	assert.Equal(t, int64(42), cfg.Exchange.AccountIndex)
	assert.Equal(t, "cached", cfg.Trading.NonceMode)
	assert.True(t, decimal.RequireFromString("1.5").Equal(cfg.DefaultMaxSlippage()))
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 28*24*time.Hour, cfg.Trading.OrderExpiry)
	assert.Equal(t, int64(999), cfg.Trading.CloseMarketClientOrderID)

	keys, err := cfg.SigningKeys()
	require.NoError(t, err)
	assert.Equal(t, map[uint8]string{3: "0xabc"}, keys)

	assert.Equal(t, map[uint8]fixedpoint.Codec{1: {SizeDecimals: 5, PriceDecimals: 1}}, cfg.CodecOverrides())
	assert.Equal(t, fixedpoint.Codec{SizeDecimals: 4, PriceDecimals: 2}, cfg.DefaultCodec())
}

func TestLoadAPIKeyConfigFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	keyFile := writeFile(t, dir, "api_key_config.json",
		`{"baseUrl":"https://file.example","accountIndex":11,"privateKeys":{"4":"0xfeed"}}`)
	path := writeFile(t, dir, "config.yaml", "exchange:\n  api_key_config: "+keyFile+"\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://file.example", cfg.Exchange.BaseURL)
	assert.Equal(t, int64(11), cfg.Exchange.AccountIndex)
	keys, err := cfg.SigningKeys()
	require.NoError(t, err)
	assert.Equal(t, map[uint8]string{4: "0xfeed"}, keys)
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "exchange:\n  api_key_config: \"\"\n")

	t.Setenv("LIGHTER_BASE_URL", "https://env.example")
	t.Setenv("LIGHTER_ACCOUNT_INDEX", "77")
	t.Setenv("LIGHTER_PRIVATE_KEY", "0xbeef")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example", cfg.Exchange.BaseURL)
	assert.Equal(t, int64(77), cfg.Exchange.AccountIndex)

	keys, err := cfg.SigningKeys()
	require.NoError(t, err)
	assert.Equal(t, map[uint8]string{0: "0xbeef"}, keys, "key index defaults to 0")
}

func TestLoadEnvKeyIndex(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "exchange:\n  api_key_config: \"\"\n")

	t.Setenv("LIGHTER_PRIVATE_KEY", "0xbeef")
	t.Setenv("LIGHTER_API_KEY_INDEX", "5")

	cfg, err := Load(path)
	require.NoError(t, err)
	keys, err := cfg.SigningKeys()
	require.NoError(t, err)
	assert.Equal(t, map[uint8]string{5: "0xbeef"}, keys)
}

func TestLoadRejectsBadAccountEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "exchange:\n  api_key_config: \"\"\n")
	t.Setenv("LIGHTER_ACCOUNT_INDEX", "seven")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LIGHTER_ACCOUNT_INDEX")
}

func TestSigningKeysMissing(t *testing.T) {
	cfg := &Config{Exchange: ExchangeConfig{PrivateKeys: map[string]string{"0": "  "}}}

	_, err := cfg.SigningKeys()
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConfigNotFound)
	assert.Equal(t, models.KindConfigNotFound, models.KindOf(err))
}

func validConfig() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			BaseURL:     "https://x",
			Timeout:     time.Second,
			PrivateKeys: map[string]string{"3": "0xabc"},
		},
		Trading: TradingConfig{
			DefaultMaxSlippagePercent: 0.5,
			NonceMode:                 "remote",
			DefaultSizeDecimals:       4,
			DefaultPriceDecimals:      2,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cfg := validConfig()
	cfg.Exchange.AccountIndex = -1
	cfg.Exchange.PrivateKeys["255"] = "0xdef"
	cfg.Trading.DefaultMaxSlippagePercent = 100
	cfg.Trading.NonceMode = "sometimes"
	cfg.Trading.Markets = []MarketConfig{{ID: 255}, {ID: 2, SizeDecimals: 40}}
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 7)
	assert.Contains(t, err.Error(), "account_index")
	assert.Contains(t, err.Error(), "out of range [0,254]")
	assert.Contains(t, err.Error(), "nonce_mode")
	assert.Contains(t, err.Error(), "logging.format")
}

type fakeSecrets map[string]string

func (f fakeSecrets) GetSecretWithDefault(_ context.Context, name, def string) string {
	if v, ok := f[name]; ok {
		return v
	}
	return def
}

func TestApplySecretsFillsOnlyUnset(t *testing.T) {
	cfg := validConfig()
	cfg.Exchange.PrivateKeys = map[string]string{}
	cfg.Server.JWTSecret = "from-config"
	cfg.GCP.SecretNames.PrivateKey = "pk"
	cfg.GCP.SecretNames.APIKeyIndex = "idx"
	cfg.GCP.SecretNames.AccountIndex = "acct"
	cfg.GCP.SecretNames.JWTSecret = "jwt"

	err := applySecrets(context.Background(), cfg, fakeSecrets{
		"pk":   "0xsecret",
		"idx":  "6",
		"acct": "123",
		"jwt":  "from-secret",
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"6": "0xsecret"}, cfg.Exchange.PrivateKeys)
	assert.Equal(t, int64(123), cfg.Exchange.AccountIndex)
	assert.Equal(t, "from-config", cfg.Server.JWTSecret)
}

func TestApplySecretsBadAccount(t *testing.T) {
	cfg := validConfig()
	cfg.GCP.SecretNames.AccountIndex = "acct"

	err := applySecrets(context.Background(), cfg, fakeSecrets{"acct": "x"})
	require.Error(t, err)
}
