package log

import (
	"strconv"
	"strings"
)

type callerInfo struct {
	file     string
	function string
	line     int
	str      string
}

var _UnknownCallerInfo = newCallerInfo("???", "???", 0)

func newCallerInfo(file, function string, line int) *callerInfo {
	return &callerInfo{
		file:     file,
		function: function,
		line:     line,
		str:      file + ":" + strconv.Itoa(line) + " " + function,
	}
}

func (c *callerInfo) String() string {
	return c.str
}

// LevelChangeEntry lowers the minimum level for a single source line.
type LevelChangeEntry struct {
	FileName string `mapstructure:"file"`
	LineNum  int    `mapstructure:"line"`
	LogLevel int    `mapstructure:"level"`
}

type levelChange struct {
	entries []LevelChangeEntry
}

func newLevelChange(entries []LevelChangeEntry) *levelChange {
	return &levelChange{entries: entries}
}

func (lc *levelChange) Empty() bool {
	return lc == nil || len(lc.entries) == 0
}

// minLevel reports the overridden minimum level for file:line.
func (lc *levelChange) minLevel(file string, line int) (Level, bool) {
	if lc.Empty() {
		return 0, false
	}
	for _, e := range lc.entries {
		if e.LineNum == line && strings.HasSuffix(file, e.FileName) {
			return Level(e.LogLevel), true
		}
	}
	return 0, false
}
