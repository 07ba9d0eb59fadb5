package logger

import (
	"fmt"
	"log"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/lumberjack.v3"
)

var once sync.Once
var appLogger *zap.Logger
var tradeLogger *zap.Logger
var feedLogger *zap.Logger

type Config struct {
	Filename   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// Get returns the main application logger
func Get() *zap.Logger {
	once.Do(initLoggers)
	return appLogger
}

// GetTradeLogger returns the file-only logger that records every orchestration outcome
func GetTradeLogger() *zap.Logger {
	once.Do(initLoggers)
	return tradeLogger
}

// GetFeedLogger returns the file-only logger for raw market data frames
func GetFeedLogger() *zap.Logger {
	once.Do(initLoggers)
	return feedLogger
}

// OrNop lets constructors accept a nil logger.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func newLogger(config Config, useConsole bool) (*zap.Logger, error) {
	fileHandler, err := lumberjack.New(
		lumberjack.WithFileName(config.Filename),
		lumberjack.WithMaxBytes(int64(config.MaxSize*1024*1024)),
		lumberjack.WithMaxBackups(config.MaxBackups),
		lumberjack.WithMaxDays(config.MaxAge),
		lumberjack.WithCompress(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create file handler: %w", err)
	}

	level := zap.InfoLevel
	if levelEnv := os.Getenv("LOG_LEVEL"); levelEnv != "" {
		if parsedLevel, err := zapcore.ParseLevel(levelEnv); err == nil {
			level = parsedLevel
		}
	}
	logLevel := zap.NewAtomicLevelAt(level)

	productionCfg := zap.NewProductionEncoderConfig()
	productionCfg.TimeKey = "timestamp"
	productionCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	developmentCfg := zap.NewDevelopmentEncoderConfig()
	developmentCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder

	consoleEncoder := zapcore.NewConsoleEncoder(developmentCfg)
	fileEncoder := zapcore.NewJSONEncoder(productionCfg)

	var cores []zapcore.Core
	if useConsole {
		cores = append(cores, zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), logLevel))
	}
	cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(fileHandler), logLevel))

	return zap.New(zapcore.NewTee(cores...)), nil
}

func initLoggers() {
	appConfig := Config{
		Filename:   "logs/app.log",
		MaxSize:    5,
		MaxBackups: 10,
		MaxAge:     14,
	}

	tradeConfig := Config{
		Filename:   "logs/trades.log",
		MaxSize:    5,
		MaxBackups: 30,
		MaxAge:     90,
	}

	feedConfig := Config{
		Filename:   "logs/feed.log",
		MaxSize:    20,
		MaxBackups: 5,
		MaxAge:     3,
	}

	var err error
	appLogger, err = newLogger(appConfig, true) // with console output
	if err != nil {
		log.Fatalf("failed to create app logger: %v", err)
	}

	tradeLogger, err = newLogger(tradeConfig, false)
	if err != nil {
		log.Fatalf("failed to create trade logger: %v", err)
	}

	feedLogger, err = newLogger(feedConfig, false)
	if err != nil {
		log.Fatalf("failed to create feed logger: %v", err)
	}
}
