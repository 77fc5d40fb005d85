package util

import (
	"os"
	"strings"

	"github.com/hetianyi/gomft/common"
	"github.com/hetianyi/gox/convert"
	"github.com/hetianyi/gox/logger"
)

func GetEnv(key string) string {
	return os.Getenv(common.ENV_PREFIX + key)
}

// if these param exist in system env , then replace it with system env
func ExchangeEnvValue(key string, then func(envValue string)) {
	envVal := strings.TrimSpace(GetEnv(key))
	if envVal != "" {
		logger.Warn("config property \"", key, "\" load from environment")
		then(envVal)
	}
}

func exchangeEnvInt(key string, target *int) {
	ExchangeEnvValue(key, func(envValue string) {
		v, err := convert.StrToInt(envValue)
		if err != nil {
			logger.Warn("ignore invalid integer ", common.ENV_PREFIX+key, "=", envValue)
			return
		}
		*target = v
	})
}

// ApplyEnv overrides config properties with GOMFT_* environment variables.
func ApplyEnv(c *common.Config) {
	ExchangeEnvValue("HOST_ID", func(v string) { c.HostId = v })
	ExchangeEnvValue("SECRET", func(v string) { c.Secret = v })
	ExchangeEnvValue("BIND_ADDRESS", func(v string) { c.BindAddress = v })
	ExchangeEnvValue("DATA_DIR", func(v string) { c.DataDir = v })
	ExchangeEnvValue("LOG_LEVEL", func(v string) { c.LogLevel = v })
	ExchangeEnvValue("LOG_DIR", func(v string) { c.LogDir = v })
	ExchangeEnvValue("PASSIVE_PORT_RANGE", func(v string) { c.PassivePortRange = v })
	ExchangeEnvValue("PASSIVE_DATA", func(v string) { c.PassiveData = v == "true" })
	exchangeEnvInt("PORT", &c.Port)
	exchangeEnvInt("RETRY_LIMIT", &c.RetryLimit)
	exchangeEnvInt("RETRY_DELAY", &c.RetryDelay)
	exchangeEnvInt("OVERLOAD_DELAY", &c.OverloadDelay)
	exchangeEnvInt("TIMEOUT", &c.Timeout)
	exchangeEnvInt("BLOCK_SIZE", &c.BlockSize)
	exchangeEnvInt("MAX_ACTIVE_TRANSFERS", &c.MaxActiveTransfers)
}
