package util

import (
	"errors"
	"regexp"
	"strings"

	"github.com/hetianyi/gomft/common"
	"github.com/hetianyi/gox/convert"
	"github.com/hetianyi/gox/file"
	"github.com/hetianyi/gox/logger"
	"github.com/mitchellh/go-homedir"
)

// ValidateConfig validates the host config, fills the derived fields and
// initializes the logger.
func ValidateConfig(c *common.Config) error {
	if err := CheckConfig(c); err != nil {
		return err
	}
	// prepare log directory
	if c.SaveLog2File {
		if !file.Exists(c.LogDir) {
			if err := file.CreateDirs(c.LogDir); err != nil {
				return err
			}
		}
	}
	if !file.Exists(c.DataDir) {
		if err := file.CreateDirs(c.DataDir); err != nil {
			return err
		}
	}

	// initialize logger
	logConfig := &logger.Config{
		Level:              ConvertLogLevel(c.LogLevel),
		RollingPolicy:      []int{ConvertRollInterval(c.LogRotationInterval), ConvertLogFileSize(c.MaxRollingLogfileSize)},
		Write2File:         c.SaveLog2File,
		AlwaysWriteConsole: true,
		RollingFileDir:     c.LogDir,
		RollingFileName:    "gomft-" + c.HostId,
	}
	logger.Init(logConfig)
	return nil
}

// CheckConfig validates c and normalizes its values without touching the filesystem.
func CheckConfig(c *common.Config) error {
	if c == nil {
		return errors.New("no config provided")
	}
	if m, err := regexp.MatchString(common.HOST_ID_PATTERN, c.HostId); err != nil || !m {
		return errors.New("invalid host id \"" + c.HostId +
			"\", host id must match pattern " + common.HOST_ID_PATTERN)
	}
	// check secret
	if c.Secret != "" {
		if m, err := regexp.MatchString(common.SECRET_PATTERN, c.Secret); err != nil || !m {
			return errors.New("invalid secret, secret must match pattern " + common.SECRET_PATTERN)
		}
	}
	// check port range
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("invalid port number " +
			convert.IntToStr(c.Port) + ", port number must in the range of 1 to 65535")
	}
	if c.PassivePortRange != "" {
		min, max, err := ParsePortRange(c.PassivePortRange)
		if err != nil {
			return err
		}
		c.ParsedPortMin, c.ParsedPortMax = min, max
	}
	if c.BlockSize <= 0 {
		c.BlockSize = common.DEFAULT_BLOCK_SIZE
	}
	if c.CheckpointBlocks <= 0 {
		c.CheckpointBlocks = common.DEFAULT_CHECKPOINT_BLOCKS
	}
	if c.RankRestart < 0 {
		c.RankRestart = 0
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = common.DEFAULT_RETRY_LIMIT
	}
	if c.ConnectRetry <= 0 {
		c.ConnectRetry = common.DEFAULT_CONNECT_RETRY
	}
	if c.MaxActiveTransfers <= 0 {
		c.MaxActiveTransfers = common.DEFAULT_MAX_ACTIVE
	}
	for i := range c.Hosts {
		if err := CheckHost(&c.Hosts[i]); err != nil {
			return err
		}
	}

	// check log level
	c.LogLevel = strings.ToLower(c.LogLevel)
	if c.LogLevel != "trace" && c.LogLevel != "debug" && c.LogLevel != "info" &&
		c.LogLevel != "warn" && c.LogLevel != "error" && c.LogLevel != "fatal" {
		c.LogLevel = "info"
	}
	// check log rotation interval
	c.LogRotationInterval = strings.ToLower(c.LogRotationInterval)
	if c.LogRotationInterval != "h" && c.LogRotationInterval != "d" &&
		c.LogRotationInterval != "m" && c.LogRotationInterval != "y" {
		c.LogRotationInterval = "y"
	}
	// check rolling log file size
	if c.MaxRollingLogfileSize != 64 && c.MaxRollingLogfileSize != 128 &&
		c.MaxRollingLogfileSize != 256 && c.MaxRollingLogfileSize != 512 &&
		c.MaxRollingLogfileSize != 1024 {
		c.MaxRollingLogfileSize = 64
	}

	var err error
	if c.DataDir, err = homedir.Expand(c.DataDir); err != nil {
		return err
	}
	c.DataDir = file.FixPath(c.DataDir)
	if c.LogDir, err = homedir.Expand(c.LogDir); err != nil {
		return err
	}
	return nil
}

// CheckHost validates a remote host authentication.
func CheckHost(h *common.HostAuth) error {
	if m, err := regexp.MatchString(common.HOST_ID_PATTERN, h.HostId); err != nil || !m {
		return errors.New("invalid host id \"" + h.HostId +
			"\", host id must match pattern " + common.HOST_ID_PATTERN)
	}
	if h.IsClient && h.Address == "" {
		return nil
	}
	if m, err := regexp.MatchString(common.SERVER_PATTERN, h.Address); err != nil || !m {
		return errors.New("invalid address \"" + h.Address + "\" of host " + h.HostId +
			", address must match pattern " + common.SERVER_PATTERN)
	}
	return nil
}

// ParsePortRange parses "min-max".
func ParsePortRange(s string) (int, int, error) {
	re := regexp.MustCompile(common.PORT_RANGE_PATTERN)
	if !re.MatchString(s) {
		return 0, 0, errors.New("invalid port range \"" + s + "\", port range must match pattern " + common.PORT_RANGE_PATTERN)
	}
	min, _ := convert.StrToInt(re.ReplaceAllString(s, "$1"))
	max, _ := convert.StrToInt(re.ReplaceAllString(s, "$2"))
	if min > max || max > 65535 {
		return 0, 0, errors.New("invalid port range \"" + s + "\"")
	}
	return min, max, nil
}

func ConvertLogLevel(levelString string) logger.Level {
	levelString = strings.ToLower(levelString)
	switch levelString {
	case "trace":
		return logger.TraceLevel
	case "debug":
		return logger.DebugLevel
	case "info":
		return logger.InfoLevel
	case "warn":
		return logger.WarnLevel
	case "error":
		return logger.ErrorLevel
	case "fatal":
		return logger.FatalLevel
	default:
		return logger.InfoLevel
	}
}

func ConvertRollInterval(rollString string) int {
	rollString = strings.ToLower(rollString)
	switch rollString {
	case "h":
		return logger.HOUR
	case "d":
		return logger.DAY
	case "m":
		return logger.MONTH
	case "y":
		return logger.YEAR
	default:
		return logger.YEAR
	}
}

func ConvertLogFileSize(s int) int {
	switch s {
	case 64:
		return logger.MB64
	case 128:
		return logger.MB128
	case 256:
		return logger.MB256
	case 512:
		return logger.MB512
	case 1024:
		return logger.MB1024
	default:
		return logger.SIZE_NO_LIMIT
	}
}
