package log

import (
	"fmt"
	"strings"
)

// Format is a logging format. It implements the pflag.Value interface.
type Format uint

const (
	// FmtLogfmt is the "logfmt" logging format.
	FmtLogfmt Format = iota
	// FmtJSON is the JSON logging format.
	FmtJSON
)

// String returns the string representation of a Format.
func (f *Format) String() string {
	switch *f {
	case FmtLogfmt:
		return "logfmt"
	case FmtJSON:
		return "JSON"
	default:
		panic("log: unsupported format")
	}
}

// Set sets the Format to the value specified by the provided string.
func (f *Format) Set(s string) error {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOGFMT", "TEXT":
		*f = FmtLogfmt
	case "JSON":
		*f = FmtJSON
	default:
		return fmt.Errorf("log: invalid log format: '%s'", s)
	}
	return nil
}

// Type returns the list of supported Formats.
func (f *Format) Type() string {
	return "[logfmt,JSON]"
}

// Level is a log level. It implements the pflag.Value interface.
type Level uint

const (
	// LevelDebug is the log level for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the log level for informative messages.
	LevelInfo
	// LevelWarn is the log level for warning messages.
	LevelWarn
	// LevelError is the log level for error messages.
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

// String returns the string representation of a Level.
func (l *Level) String() string {
	name, ok := levelNames[*l]
	if !ok {
		panic("log: unsupported log level")
	}
	return name
}

// Set sets the Level to the value specified by the provided string.
// "WARNING" is accepted as an alias of "WARN".
func (l *Level) Set(s string) error {
	upper := strings.ToUpper(strings.TrimSpace(s))
	if upper == "WARNING" {
		upper = "WARN"
	}
	for lvl, name := range levelNames {
		if name == upper {
			*l = lvl
			return nil
		}
	}
	return fmt.Errorf("log: invalid log level: '%s'", s)
}

// Type returns the list of supported Levels.
func (l *Level) Type() string {
	return "[DEBUG,INFO,WARN,ERROR]"
}
