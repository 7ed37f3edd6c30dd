// Package xlog provides the leveled, key-value structured logger used
// throughout the miner and relay core. It follows the same terminal
// formatting approach as the rest of the stack: colorized level tags on
// a TTY, plain text otherwise.
package xlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Lvl is the severity of a log record, ordered from most to least severe.
type Lvl int

const (
	LvlCrit Lvl = iota
	LvlError
	LvlWarn
	LvlInfo
	LvlDebug
	LvlTrace
)

func (l Lvl) String() string {
	switch l {
	case LvlCrit:
		return "CRIT"
	case LvlError:
		return "ERROR"
	case LvlWarn:
		return "WARN"
	case LvlInfo:
		return "INFO"
	case LvlDebug:
		return "DEBUG"
	case LvlTrace:
		return "TRACE"
	default:
		return "?????"
	}
}

var levelColor = map[Lvl]color.Attribute{
	LvlCrit:  color.FgMagenta,
	LvlError: color.FgRed,
	LvlWarn:  color.FgYellow,
	LvlInfo:  color.FgGreen,
	LvlDebug: color.FgCyan,
	LvlTrace: color.FgWhite,
}

// Logger emits leveled records tagged with a fixed and a per-call context.
type Logger interface {
	New(ctx ...interface{}) Logger
	Crit(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Trace(msg string, ctx ...interface{})
}

type logger struct {
	ctx []interface{}
	h   *handler
}

type handler struct {
	mu       sync.Mutex
	out      io.Writer
	color    bool
	minLevel Lvl
}

// Root is the default logger used by components that do not hold a
// dedicated sub-logger reference.
var Root Logger = newRoot()

func newRoot() Logger {
	out := colorable.NewColorable(os.Stderr)
	useColor := isatty.IsTerminal(os.Stderr.Fd())
	return &logger{h: &handler{out: out, color: useColor, minLevel: LvlInfo}}
}

// SetLevel adjusts the minimum level emitted by the root logger.
func SetLevel(l Lvl) {
	if root, ok := Root.(*logger); ok {
		root.h.mu.Lock()
		root.h.minLevel = l
		root.h.mu.Unlock()
	}
}

// New returns a logger that is a child of Root, prefixed with ctx.
func New(ctx ...interface{}) Logger {
	return Root.New(ctx...)
}

func (l *logger) New(ctx ...interface{}) Logger {
	child := make([]interface{}, 0, len(l.ctx)+len(ctx))
	child = append(child, l.ctx...)
	child = append(child, ctx...)
	return &logger{ctx: child, h: l.h}
}

func (l *logger) write(lvl Lvl, msg string, ctx []interface{}) {
	l.h.mu.Lock()
	defer l.h.mu.Unlock()
	if lvl > l.h.minLevel {
		return
	}

	all := make([]interface{}, 0, len(l.ctx)+len(ctx))
	all = append(all, l.ctx...)
	all = append(all, ctx...)

	var caller string
	if cs := stack.Caller(2); true {
		caller = fmt.Sprintf("%+v", cs)
	}

	ts := time.Now().Format("2006-01-02T15:04:05-0700")
	tag := lvl.String()
	if l.h.color {
		c := color.New(levelColor[lvl])
		tag = c.Sprintf("%-5s", tag)
	} else {
		tag = fmt.Sprintf("%-5s", tag)
	}

	fmt.Fprintf(l.h.out, "%s [%s] %s caller=%s", ts, tag, msg, caller)
	for i := 0; i+1 < len(all); i += 2 {
		fmt.Fprintf(l.h.out, " %v=%v", all[i], all[i+1])
	}
	fmt.Fprintln(l.h.out)
}

func (l *logger) Crit(msg string, ctx ...interface{}) {
	l.write(LvlCrit, msg, ctx)
}
func (l *logger) Error(msg string, ctx ...interface{}) { l.write(LvlError, msg, ctx) }
func (l *logger) Warn(msg string, ctx ...interface{})  { l.write(LvlWarn, msg, ctx) }
func (l *logger) Info(msg string, ctx ...interface{})  { l.write(LvlInfo, msg, ctx) }
func (l *logger) Debug(msg string, ctx ...interface{}) { l.write(LvlDebug, msg, ctx) }
func (l *logger) Trace(msg string, ctx ...interface{}) { l.write(LvlTrace, msg, ctx) }
