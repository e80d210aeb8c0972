package log

import (
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/meshnet/config"
)

// GameLogger writes JSON lines to a set of appenders. Events come from a pool, a filtered
// level yields a nil event whose methods are no-ops.
//
//	logger := NewLogger(&LogCfg{LogLevel: InfoLevel, ConsoleAppender: true})
//	logger.Info().Str("addr", "127.0.0.1:7000").Uint64("conn", 3).Msg("accepted")
type GameLogger struct {
	appenders   atomic.Pointer[[]LogAppender]
	minLevel    atomic.Uint32
	callerSkip  atomic.Int32
	callerInfo  atomic.Bool
	levelChange atomic.Pointer[levelChange]
	eventPool   sync.Pool
	callerCache sync.Map

	configMutex   sync.RWMutex
	currentConfig *LogCfg
}

// NewLogger creates a logger for cfg, or for the defaults when cfg is nil.
func NewLogger(cfg *LogCfg) *GameLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}

	logger := &GameLogger{}
	logger.eventPool.New = func() any {
		return newEvent(logger)
	}
	logger.appenders.Store(&[]LogAppender{})
	logger.updateConfig(cfg)

	if cfg.FileAppender {
		logger.AddAppender(NewFileAppender(cfg))
	}
	if cfg.ConsoleAppender {
		logger.AddAppender(NewConsoleAppender())
	}
	return logger
}

// NewLoggerWithConfigManager creates a logger that follows reloads of the "logger" config.
func NewLoggerWithConfigManager(cfg *LogCfg, configManager config.ConfigManager) *GameLogger {
	logger := NewLogger(cfg)
	if configManager != nil {
		configManager.AddChangeListener(logger)
	}
	return logger
}

// OnConfigChanged applies a reloaded "logger" config and forwards it to appenders.
func (x *GameLogger) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	newLogCfg, ok := newConfig.(*LogCfg)
	if !ok || configName != newLogCfg.GetName() {
		return nil
	}

	x.updateConfig(newLogCfg)

	for _, appender := range x.GetAppender() {
		if listener, ok := appender.(config.ConfigChangeListener); ok {
			if err := listener.OnConfigChanged(configName, newConfig, oldConfig); err != nil {
				x.Error().Err(err).Msg("notify appender config change failed")
			}
		}
	}
	return nil
}

func (x *GameLogger) updateConfig(cfg *LogCfg) {
	x.configMutex.Lock()
	defer x.configMutex.Unlock()

	x.minLevel.Store(uint32(cfg.LogLevel))
	x.callerSkip.Store(int32(cfg.CallerSkip))
	x.callerInfo.Store(cfg.EnabledCallerInfo)
	x.levelChange.Store(newLevelChange(cfg.LevelChange))
	x.currentConfig = cfg
}

// GetCurrentConfig returns the config in effect.
func (x *GameLogger) GetCurrentConfig() *LogCfg {
	x.configMutex.RLock()
	defer x.configMutex.RUnlock()
	return x.currentConfig
}

func (x *GameLogger) checkLevel(level Level) bool {
	return Level(x.minLevel.Load()) <= level
}

// AddAppender adds an output destination.
func (x *GameLogger) AddAppender(appender LogAppender) {
	for {
		old := x.appenders.Load()
		next := make([]LogAppender, len(*old), len(*old)+1)
		copy(next, *old)
		next = append(next, appender)
		if x.appenders.CompareAndSwap(old, &next) {
			return
		}
	}
}

// GetAppender returns the current appenders.
func (x *GameLogger) GetAppender() []LogAppender {
	return *x.appenders.Load()
}

// Refresh flushes every appender.
func (x *GameLogger) Refresh() {
	for _, appender := range x.GetAppender() {
		appender.Refresh()
	}
}

// Close flushes and closes every appender.
func (x *GameLogger) Close() error {
	var firstErr error
	for _, appender := range x.GetAppender() {
		appender.Refresh()
		if err := appender.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (x *GameLogger) IgnoreCheckLevel() bool {
	return false
}

func (x *GameLogger) newEvent() *LogEvent {
	e := x.eventPool.Get().(*LogEvent)
	e.Reset()
	return e
}

// OnEventEnd writes a finished event. Fatal events panic after being written.
func (x *GameLogger) OnEventEnd(e *LogEvent) {
	for _, appender := range x.GetAppender() {
		_, _ = appender.Write(e.buf.Bytes())
	}

	if e.level == FatalLevel {
		x.Refresh()
		panic(e.buf.String())
	}

	x.eventPool.Put(e)
}

func (x *GameLogger) Trace() *LogEvent { return x.logAt(TraceLevel, false, 3) }
func (x *GameLogger) Debug() *LogEvent { return x.logAt(DebugLevel, false, 3) }
func (x *GameLogger) Info() *LogEvent  { return x.logAt(InfoLevel, false, 3) }
func (x *GameLogger) Warn() *LogEvent  { return x.logAt(WarnLevel, false, 3) }
func (x *GameLogger) Error() *LogEvent { return x.logAt(ErrorLevel, false, 3) }
func (x *GameLogger) Fatal() *LogEvent { return x.logAt(FatalLevel, false, 3) }

// getCallerInfo resolves the frame depth levels above itself, cached by pc.
func (x *GameLogger) getCallerInfo(depth int) *callerInfo {
	pc, file, line, ok := runtime.Caller(depth + int(x.callerSkip.Load()))
	if !ok {
		return _UnknownCallerInfo
	}
	if cached, found := x.callerCache.Load(pc); found {
		return cached.(*callerInfo)
	}

	function := runtime.FuncForPC(pc).Name()
	if dot := strings.LastIndexByte(function, '.'); dot != -1 {
		function = function[dot+1:]
	}
	// keep "dir/file.go"
	if lastSlash := strings.LastIndexByte(file, '/'); lastSlash > 0 {
		if prev := strings.LastIndexByte(file[:lastSlash], '/'); prev >= 0 {
			file = file[prev+1:]
		}
	}

	c := newCallerInfo(file, function, line)
	x.callerCache.Store(pc, c)
	return c
}

// logAt opens an event for level. depth is the number of frames between getCallerInfo and
// the user's call site.
func (x *GameLogger) logAt(level Level, bypass bool, depth int) *LogEvent {
	var info *callerInfo
	if !bypass && !x.checkLevel(level) {
		lc := x.levelChange.Load()
		if lc.Empty() {
			return nil
		}
		info = x.getCallerInfo(depth)
		floor, ok := lc.minLevel(info.file, info.line)
		if !ok || level < floor {
			return nil
		}
	}

	e := x.newEvent()
	e.level = level

	t := time.Now()
	e.Time("time", &t)
	e.Str("level", level.String())

	if x.callerInfo.Load() {
		if info == nil {
			info = x.getCallerInfo(depth)
		}
		e.Str("caller", info.String())
	}
	return e
}
