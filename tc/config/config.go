package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	logutil "github.com/ikenchina/xatm/common/log"
)

const (
	DriverFile       = "file"
	DriverPostgresql = "postgresql"
)

type StoreConfig struct {
	Driver string

	// file
	Dir           string
	SequenceBatch int
	CacheSize     int

	// postgresql
	Dsn                string
	MaxConnections     int
	MaxIdleConnections int
	Timeout            time.Duration
}

type Config struct {
	UniqueName          string
	HttpListen          string
	MaxConcurrentBranch int
	RecoveryRate        int
	// RecoveryInterval : period of the background recovery, 0 only recovers on start
	RecoveryInterval time.Duration
	// ShutdownTimeout : how long a stop waits for active transactions, 0 is 10s
	ShutdownTimeout time.Duration
	Store           StoreConfig
	Log             zap.Config
}

var (
	cfg Config
)

func Get() *Config {
	return &cfg
}

func InitConfig(configPath string) error {
	dd, err := ioutil.ReadFile(configPath)
	if err != nil {
		return err
	}

	c, err := Parse(dd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error : %s", err.Error())
		return err
	}
	cfg = *c

	return InitLog(&cfg.Log)
}

// Parse decodes a json configuration and fills what is missing from the
// environment.
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, err
	}

	if len(c.UniqueName) == 0 {
		c.UniqueName = os.Getenv("XATM_UNIQUE_NAME")
	}
	if len(c.Store.Driver) == 0 {
		c.Store.Driver = DriverFile
	}
	if c.Store.Driver == DriverFile && len(c.Store.Dir) == 0 {
		c.Store.Dir = os.Getenv("XATM_STORE_DIR")
	}

	switch c.Store.Driver {
	case DriverFile:
		if len(c.Store.Dir) == 0 {
			return nil, errors.New("store directory is missing : Store.Dir or XATM_STORE_DIR")
		}
	case DriverPostgresql:
		if len(c.Store.Dsn) == 0 {
			return nil, errors.New("store dsn is missing")
		}
		// a generated name can only be kept by the file driver
		if len(c.UniqueName) == 0 {
			return nil, errors.New("unique name is missing : UniqueName or XATM_UNIQUE_NAME")
		}
	default:
		return nil, fmt.Errorf("unknown store driver : %s", c.Store.Driver)
	}
	if c.MaxConcurrentBranch < 0 || c.RecoveryRate < 0 || c.ShutdownTimeout < 0 {
		return nil, errors.New("MaxConcurrentBranch, RecoveryRate and ShutdownTimeout must not be negative")
	}
	return c, nil
}

func InitLog(cfg *zap.Config) error {
	if cfg.Level == (zap.AtomicLevel{}) {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	if len(cfg.Encoding) == 0 {
		cfg.Encoding = "json"
	}
	if len(cfg.OutputPaths) == 0 {
		cfg.OutputPaths = []string{"stderr"}
	}
	if len(cfg.ErrorOutputPaths) == 0 {
		cfg.ErrorOutputPaths = []string{"stderr"}
	}
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.CallerKey = "caller"
	cfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncoderConfig.StacktraceKey = "stacktrace"
	cfg.EncoderConfig.LineEnding = zapcore.DefaultLineEnding
	cfg.EncoderConfig.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	logger, err := cfg.Build()
	if err != nil {
		return err
	}

	logutil.SetLogger(logger)
	return nil
}
