package logsink

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sorane/engram"
)

const ansiReset = "\x1b[0m"

// ansiCodes maps config color names to escape sequences.
var ansiCodes = map[string]string{
	"black":   "\x1b[30m",
	"red":     "\x1b[31m",
	"green":   "\x1b[32m",
	"yellow":  "\x1b[33m",
	"blue":    "\x1b[34m",
	"magenta": "\x1b[35m",
	"cyan":    "\x1b[36m",
	"white":   "\x1b[37m",
	"gray":    "\x1b[90m",
}

// defaultLevelColors is the built-in level color map.
var defaultLevelColors = map[engram.Level]string{
	engram.LevelDebug:    "gray",
	engram.LevelInfo:     "green",
	engram.LevelWarning:  "yellow",
	engram.LevelError:    "red",
	engram.LevelCritical: "magenta",
}

// ConsoleOption configures a Console.
type ConsoleOption func(*Console)

// ConsoleWriter sets the output writer. Default: os.Stdout.
func ConsoleWriter(w io.Writer) ConsoleOption {
	return func(c *Console) { c.out = w }
}

// ConsoleColors toggles ANSI colorization.
func ConsoleColors(on bool) ConsoleOption {
	return func(c *Console) { c.color = on }
}

// ConsoleLevelColor overrides the color name for one level.
func ConsoleLevelColor(level engram.Level, color string) ConsoleOption {
	return func(c *Console) { c.levelColors[level] = strings.ToLower(color) }
}

// ConsoleSourceColor colors all records from one source, taking
// precedence over the level color.
func ConsoleSourceColor(source, color string) ConsoleOption {
	return func(c *Console) { c.sourceColors[source] = strings.ToLower(color) }
}

// Console renders records as single human-readable lines, optionally
// colorized by level or source.
type Console struct {
	mu           sync.Mutex
	out          io.Writer
	color        bool
	levelColors  map[engram.Level]string
	sourceColors map[string]string
}

// NewConsole creates a console renderer.
func NewConsole(opts ...ConsoleOption) *Console {
	c := &Console{
		out:          os.Stdout,
		levelColors:  make(map[engram.Level]string),
		sourceColors: make(map[string]string),
	}
	for level, color := range defaultLevelColors {
		c.levelColors[level] = color
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Render writes one record as
// [ts][LEVEL][source][channel][user] action=… message=….
func (c *Console) Render(rec engram.LogRecord) {
	line := fmt.Sprintf("[%s][%s][%s][%s][%s] action=%s message=%s",
		rec.Timestamp.UTC().Format("2006-01-02 15:04:05"),
		rec.Level, rec.Source, rec.Channel, rec.UserID,
		rec.Action, rec.Message)
	if c.color {
		if code, ok := c.colorFor(rec); ok {
			line = code + line + ansiReset
		}
	}
	c.mu.Lock()
	fmt.Fprintln(c.out, line)
	c.mu.Unlock()
}

func (c *Console) colorFor(rec engram.LogRecord) (string, bool) {
	if name, ok := c.sourceColors[rec.Source]; ok {
		if code, ok := ansiCodes[name]; ok {
			return code, true
		}
	}
	if name, ok := c.levelColors[rec.Level]; ok {
		if code, ok := ansiCodes[name]; ok {
			return code, true
		}
	}
	return "", false
}
