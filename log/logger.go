package log

import (
	"sync/atomic"

	"github.com/lcx/meshnet/config"
)

type Logger interface {
	Trace() *LogEvent
	Debug() *LogEvent
	Info() *LogEvent
	Warn() *LogEvent
	Error() *LogEvent
	Fatal() *LogEvent
	IgnoreCheckLevel() bool
	GetAppender() []LogAppender
	AddAppender(appender LogAppender)
	OnEventEnd(e *LogEvent)
}

var _defaultLogger atomic.Pointer[GameLogger]

func init() {
	_defaultLogger.Store(NewLogger(nil))
}

// Default returns the package level logger.
func Default() *GameLogger {
	return _defaultLogger.Load()
}

// AddAppender adds an appender to the default logger.
func AddAppender(appender LogAppender) {
	Default().AddAppender(appender)
}

// Refresh flushes the default logger.
func Refresh() {
	Default().Refresh()
}

// SetDefaultLogger replaces the default logger.
func SetDefaultLogger(logger *GameLogger) {
	_defaultLogger.Store(logger)
}

// InitializeWithConfigManager loads the "logger" section from configManager and installs a
// default logger that follows its reloads.
func InitializeWithConfigManager(configManager config.ConfigManager) error {
	if configManager == nil {
		return nil
	}

	logCfg := *getDefaultCfg()
	if err := configManager.LoadConfig(logCfg.GetName(), &logCfg); err != nil {
		return err
	}

	SetDefaultLogger(NewLoggerWithConfigManager(&logCfg, configManager))
	return nil
}

// Initialize uses the process wide config manager.
func Initialize() error {
	return InitializeWithConfigManager(config.GetInstance())
}

func Trace() *LogEvent { return Default().logAt(TraceLevel, false, 3) }
func Debug() *LogEvent { return Default().logAt(DebugLevel, false, 3) }
func Info() *LogEvent  { return Default().logAt(InfoLevel, false, 3) }
func Warn() *LogEvent  { return Default().logAt(WarnLevel, false, 3) }
func Error() *LogEvent { return Default().logAt(ErrorLevel, false, 3) }
func Fatal() *LogEvent { return Default().logAt(FatalLevel, false, 3) }
