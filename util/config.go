package util

import (
	"bytes"
	"io"
	"path/filepath"

	"github.com/hetianyi/gomft/common"
	"github.com/hetianyi/gox/file"
	"github.com/hetianyi/gox/logger"
	"github.com/joho/godotenv"
	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
)

// DefaultConfig returns a configuration holding every default value.
func DefaultConfig() *common.Config {
	return &common.Config{
		BindAddress:           "0.0.0.0",
		Port:                  common.DEFAULT_PORT,
		DataDir:               "~/.gomft/data",
		LogLevel:              "info",
		LogDir:                "~/.gomft/logs",
		MaxRollingLogfileSize: 64,
		LogRotationInterval:   "d",
		RetryLimit:            common.DEFAULT_RETRY_LIMIT,
		RetryDelay:            5000,
		OverloadDelay:         10000,
		ConnectRetry:          common.DEFAULT_CONNECT_RETRY,
		ConnectDelay:          1000,
		DialTimeout:           5000,
		Timeout:               30000,
		BlockSize:             common.DEFAULT_BLOCK_SIZE,
		CheckpointBlocks:      common.DEFAULT_CHECKPOINT_BLOCKS,
		RankRestart:           common.DEFAULT_RANK_RESTART,
		MaxActiveTransfers:    common.DEFAULT_MAX_ACTIVE,
		CommanderInterval:     1000,
	}
}

// LoadConfig loads config from config file over the defaults.
// A .env file beside the config file is loaded into the environment first,
// then GOMFT_* environment variables override the file values.
func LoadConfig(c string) (*common.Config, error) {
	path, err := homedir.Expand(c)
	if err != nil {
		return nil, err
	}
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if file.Exists(envFile) {
		if err := godotenv.Load(envFile); err != nil {
			return nil, err
		}
		logger.Debug("environment loaded from ", envFile)
	}
	config := DefaultConfig()
	cf, err := file.GetFile(path)
	if err != nil {
		return nil, err
	}
	defer cf.Close()
	var buffer bytes.Buffer
	if _, err = io.Copy(&buffer, cf); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(buffer.Bytes(), config); err != nil {
		return nil, err
	}
	ApplyEnv(config)
	return config, nil
}

// WriteConfig writes config to file.
func WriteConfig(c string, container interface{}) error {
	path, err := homedir.Expand(c)
	if err != nil {
		return err
	}
	cf, err := file.CreateFile(path)
	if err != nil {
		return err
	}
	defer cf.Close()
	bs, err := json.MarshalIndent(container, "", "  ")
	if err != nil {
		return err
	}
	_, err = cf.Write(bs)
	return err
}
