package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/book-expert/logger"

	"github.com/book-expert/audio-producer/internal/app"
	"github.com/book-expert/audio-producer/internal/audio"
	"github.com/book-expert/audio-producer/internal/config"
	"github.com/book-expert/audio-producer/internal/store"
)

const (
	logFileName       = "producer-cli.log"
	bootstrapLogName  = "producer-cli-bootstrap.log"
	errFmtLoadConfig  = "failed to load configuration: %w"
	errFmtInitLogger  = "failed to initialize logger: %w"
	errFmtOpenStore   = "failed to open project store: %w"
	logFmtConfigFound = "Configuration loaded (store %s, work dir %s)"
)

// commandContext lazily loads configuration and the logger shared by every subcommand.
type commandContext struct {
	configFlag *string
	runner     audio.Runner

	configOnce sync.Once
	config     *config.Config
	log        *logger.Logger
	configErr  error
}

func newCommandContext(configFlag *string, runner audio.Runner) *commandContext {
	return &commandContext{configFlag: configFlag, runner: runner}
}

func (c *commandContext) ensureConfig() (*config.Config, *logger.Logger, error) {
	c.configOnce.Do(func() {
		c.config, c.log, c.configErr = c.loadConfig()
	})

	return c.config, c.log, c.configErr
}

func (c *commandContext) loadConfig() (*config.Config, *logger.Logger, error) {
	bootstrapLog, err := logger.New(os.TempDir(), bootstrapLogName)
	if err != nil {
		return nil, nil, fmt.Errorf(errFmtInitLogger, err)
	}

	var cfg *config.Config

	path := ""
	if c.configFlag != nil {
		path = strings.TrimSpace(*c.configFlag)
	}

	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load(bootstrapLog)
	}

	_ = bootstrapLog.Close()

	if err != nil {
		return nil, nil, fmt.Errorf(errFmtLoadConfig, err)
	}

	log, err := logger.New(cfg.Paths.BaseLogsDir, logFileName)
	if err != nil {
		return nil, nil, fmt.Errorf(errFmtInitLogger, err)
	}

	log.Info(logFmtConfigFound, cfg.Store.Path, cfg.Paths.WorkDir)

	return cfg, log, nil
}

// withRuntime runs fn against a fully wired producer.
func (c *commandContext) withRuntime(ctx context.Context, fn func(*app.Runtime) error) error {
	cfg, log, err := c.ensureConfig()
	if err != nil {
		return err
	}

	producer, err := app.New(ctx, cfg, log, c.runner)
	if err != nil {
		return err
	}
	defer producer.Close()

	return fn(producer)
}

// withStore runs fn against the project store alone, without initializing providers.
func (c *commandContext) withStore(ctx context.Context, fn func(*store.Store) error) error {
	cfg, _, err := c.ensureConfig()
	if err != nil {
		return err
	}

	db, err := store.Open(ctx, cfg.Store.Path, cfg.Store.HistoryLimit)
	if err != nil {
		return fmt.Errorf(errFmtOpenStore, err)
	}
	defer db.Close()

	return fn(db)
}

func (c *commandContext) close() {
	if c.log != nil {
		_ = c.log.Close()
	}
}
