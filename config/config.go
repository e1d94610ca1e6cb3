// This package defines the server-wide config struct used by every
// delivery-pipeline component. Tests construct it with functional options;
// the deliveryd binary loads a structured document with viper and applies
// any CLI-flag overrides as additional options on top.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug            bool
	RootDir          string
	LoggingPrefix    string
	ServerInstanceID string

	RedisAddrs       []string
	RedisClusterName string

	PostgresDSN string

	PersistDelay         time.Duration
	PersistBatchSize     int
	PersistConcurrency   int
	MaxQueuesPerRun      int
	PresenceTTL          time.Duration
	PresenceRefreshEvery time.Duration
	MaxScanWindow        int

	PushMaxAttempts int
	PushBaseDelay   time.Duration
	PushMaxDelay    time.Duration

	APNsCertPath   string
	APNsTopic      string
	APNsProduction bool

	FCMEndpoint string
	FCMAPIKey   string

	HTTPAddr string
	WSAddr   string

	writer io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) { c.Debug = d }
}

func WithRootDir(d string) Option {
	return func(c *Config) { c.RootDir = d }
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) { c.LoggingPrefix = p }
}

func WithServerInstanceID(id string) Option {
	return func(c *Config) { c.ServerInstanceID = id }
}

func WithRedisAddrs(addrs []string) Option {
	return func(c *Config) { c.RedisAddrs = addrs }
}

func WithRedisClusterName(name string) Option {
	return func(c *Config) { c.RedisClusterName = name }
}

func WithPostgresDSN(dsn string) Option {
	return func(c *Config) { c.PostgresDSN = dsn }
}

func WithPersistDelay(d time.Duration) Option {
	return func(c *Config) { c.PersistDelay = d }
}

func WithPersistBatchSize(n int) Option {
	return func(c *Config) { c.PersistBatchSize = n }
}

func WithPersistConcurrency(n int) Option {
	return func(c *Config) { c.PersistConcurrency = n }
}

func WithMaxQueuesPerRun(n int) Option {
	return func(c *Config) { c.MaxQueuesPerRun = n }
}

func WithPresenceTTL(d time.Duration) Option {
	return func(c *Config) { c.PresenceTTL = d }
}

func WithPresenceRefreshEvery(d time.Duration) Option {
	return func(c *Config) { c.PresenceRefreshEvery = d }
}

func WithMaxScanWindow(n int) Option {
	return func(c *Config) { c.MaxScanWindow = n }
}

func WithPushMaxAttempts(n int) Option {
	return func(c *Config) { c.PushMaxAttempts = n }
}

func WithPushBackoff(base, max time.Duration) Option {
	return func(c *Config) {
		c.PushBaseDelay = base
		c.PushMaxDelay = max
	}
}

func WithAPNs(certPath, topic string, production bool) Option {
	return func(c *Config) {
		c.APNsCertPath = certPath
		c.APNsTopic = topic
		c.APNsProduction = production
	}
}

func WithFCM(endpoint, apiKey string) Option {
	return func(c *Config) {
		c.FCMEndpoint = endpoint
		c.FCMAPIKey = apiKey
	}
}

func WithHTTPAddr(addr string) Option {
	return func(c *Config) { c.HTTPAddr = addr }
}

func WithWSAddr(addr string) Option {
	return func(c *Config) { c.WSAddr = addr }
}

// WithWriter overrides the log file sink, used by tests that want to
// assert on log output instead of writing to disk.
func WithWriter(w io.Writer) Option {
	return func(c *Config) { c.writer = w }
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                os.Getenv("DEBUG") == "1",
		RootDir:              ".",
		LoggingPrefix:        "deliveryd",
		ServerInstanceID:     "",
		RedisClusterName:     "messages",
		PersistDelay:         10 * time.Minute,
		PersistBatchSize:     100,
		PersistConcurrency:   4,
		MaxQueuesPerRun:      10000,
		PresenceTTL:          11 * time.Minute,
		PresenceRefreshEvery: 5 * time.Minute,
		MaxScanWindow:        1000,
		PushMaxAttempts:      10,
		PushBaseDelay:        5 * time.Second,
		PushMaxDelay:         30 * time.Minute,
		APNsProduction:       false,
		HTTPAddr:             ":8080",
		WSAddr:               ":8081",
	}
	for _, o := range opts {
		o(c)
	}

	if c.writer == nil {
		c.writer = &lumberjack.Logger{
			Filename:   filepath.Join(c.RootDir, "out.log"),
			MaxSize:    500, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return c
}
