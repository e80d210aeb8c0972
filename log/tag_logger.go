package log

// TagLogger stamps every event with a numeric tag, e.g. a group or connection id. It shares
// the parent's appenders and level. Tags listed in the parent's TagWhiteList log at every
// level.
type TagLogger struct {
	*GameLogger
	key         string
	tag         uint64
	inWhiteList bool
}

// NewTagLogger derives a tagged logger from parent, or from the default logger when nil.
func NewTagLogger(parent *GameLogger, key string, tag uint64) *TagLogger {
	if parent == nil {
		parent = Default()
	}
	return &TagLogger{
		GameLogger:  parent,
		key:         key,
		tag:         tag,
		inWhiteList: parent.GetCurrentConfig().IsInWhiteList(tag),
	}
}

// Tag returns the value stamped on events.
func (x *TagLogger) Tag() uint64 {
	return x.tag
}

func (x *TagLogger) IgnoreCheckLevel() bool {
	return x.inWhiteList
}

func (x *TagLogger) log(level Level) *LogEvent {
	return x.GameLogger.logAt(level, x.inWhiteList, 4).Uint64(x.key, x.tag)
}

func (x *TagLogger) Trace() *LogEvent { return x.log(TraceLevel) }
func (x *TagLogger) Debug() *LogEvent { return x.log(DebugLevel) }
func (x *TagLogger) Info() *LogEvent  { return x.log(InfoLevel) }
func (x *TagLogger) Warn() *LogEvent  { return x.log(WarnLevel) }
func (x *TagLogger) Error() *LogEvent { return x.log(ErrorLevel) }
func (x *TagLogger) Fatal() *LogEvent { return x.log(FatalLevel) }
