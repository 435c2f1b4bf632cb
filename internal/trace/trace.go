// Package trace provides leveled diagnostic logging filtered by the
// DPOLL_LOG environment variable. The filter is either a bare level name
// applied to every component ("debug") or a comma-separated list of
// component=level pairs ("dpoll=trace,socket=debug"). Messages pass through
// the standard library logger with a "component:" prefix.
package trace

import (
	"log"
	"os"
	"strings"
	"sync"
)

// Level is a log verbosity threshold. Higher levels include lower ones.
type Level int

const (
	LevelOff Level = iota
	LevelError
	LevelInfo
	LevelDebug
	LevelTrace
)

// DefaultLevel applies to components without an explicit filter entry and
// when DPOLL_LOG is unset.
const DefaultLevel = LevelInfo

var (
	initOnce sync.Once
	defLevel Level
	perComp  map[string]Level
)

func parseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "none":
		return LevelOff, true
	case "error":
		return LevelError, true
	case "info":
		return LevelInfo, true
	case "debug":
		return LevelDebug, true
	case "trace":
		return LevelTrace, true
	}
	return LevelOff, false
}

// Configure parses the given filter expression. It is called once with the
// value of DPOLL_LOG by Init; tests may call it directly.
func Configure(filter string) {
	defLevel = DefaultLevel
	perComp = make(map[string]Level)

	for _, part := range strings.Split(filter, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if comp, lvl, ok := strings.Cut(part, "="); ok {
			if l, valid := parseLevel(lvl); valid {
				perComp[strings.TrimSpace(comp)] = l
			}
			continue
		}
		if l, valid := parseLevel(part); valid {
			defLevel = l
		}
	}
}

// Init reads DPOLL_LOG and installs the filter. Subsequent calls are no-ops,
// and a filter already installed by Configure is kept.
func Init() {
	initOnce.Do(func() {
		if perComp == nil {
			Configure(os.Getenv("DPOLL_LOG"))
		}
	})
}

// Enabled reports whether the component logs at the given level.
func Enabled(component string, level Level) bool {
	Init()
	if l, ok := perComp[component]; ok {
		return level <= l
	}
	return level <= defLevel
}

func emit(component, format string, args []interface{}) {
	log.Printf(component+": "+format, args...)
}

// Errorf logs at error level.
func Errorf(component, format string, args ...interface{}) {
	if Enabled(component, LevelError) {
		emit(component, format, args)
	}
}

// Infof logs at info level.
func Infof(component, format string, args ...interface{}) {
	if Enabled(component, LevelInfo) {
		emit(component, format, args)
	}
}

// Debugf logs at debug level.
func Debugf(component, format string, args ...interface{}) {
	if Enabled(component, LevelDebug) {
		emit(component, format, args)
	}
}

// Tracef logs at trace level.
func Tracef(component, format string, args ...interface{}) {
	if Enabled(component, LevelTrace) {
		emit(component, format, args)
	}
}
