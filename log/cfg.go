package log

import (
	"errors"
	"slices"
)

// LogCfg is the "logger" config section.
type LogCfg struct {
	// LogPath is the file written by the file appender.
	LogPath string `mapstructure:"path"`

	// LogLevel is the minimum level, numeric (0 trace .. 5 fatal). Hot reloadable.
	LogLevel Level `mapstructure:"level"`

	// FileSplitMB splits the log file when it grows past this size. 0 disables splitting.
	FileSplitMB int `mapstructure:"splitmb"`

	IsAsync           bool `mapstructure:"isasync"`
	AsyncCacheSize    int  `mapstructure:"asynccachesize"`
	AsyncWriteMillSec int  `mapstructure:"asyncwritemillsec"`

	// CallerSkip adds frames to skip when resolving the caller, for wrappers around the logger.
	CallerSkip int `mapstructure:"callerSkip"`

	FileAppender    bool `mapstructure:"fileAppender"`
	ConsoleAppender bool `mapstructure:"consoleAppender"`

	// LevelChange overrides the minimum level at specific file:line locations.
	LevelChange []LevelChangeEntry `mapstructure:"levelChange"`

	// TagWhiteList lists tags (group ids, connection ids) whose TagLogger ignores the level.
	TagWhiteList []uint64 `mapstructure:"tagWhiteList"`

	EnabledCallerInfo bool `mapstructure:"enabledCallerInfo"`
}

func (cfg *LogCfg) GetName() string {
	return "logger"
}

func (cfg *LogCfg) Validate() error {
	if cfg.LogLevel > FatalLevel {
		return errors.New("log level out of range")
	}
	if cfg.FileAppender && cfg.LogPath == "" {
		return errors.New("file appender requires a path")
	}
	if cfg.FileSplitMB < 0 {
		return errors.New("splitmb cannot be negative")
	}
	return nil
}

// IsInWhiteList reports whether tag bypasses level filtering.
func (cfg *LogCfg) IsInWhiteList(tag uint64) bool {
	return slices.Contains(cfg.TagWhiteList, tag)
}

var _defaultCfg = &LogCfg{
	LogPath:         "./meshnet.log",
	LogLevel:        InfoLevel,
	FileSplitMB:     50,
	ConsoleAppender: true,
}

func getDefaultCfg() *LogCfg {
	return _defaultCfg
}
