package logsvc

import (
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/rollbar/rollbar-go"
	"github.com/rollbar/rollbar-go/errors"

	"github.com/trezcool/masomo/core"
)

var levelPriorities = map[string]int{
	rollbar.DEBUG: 0,
	rollbar.INFO:  1,
	rollbar.WARN:  2,
	rollbar.ERR:   3,
	rollbar.CRIT:  4,
}

// RollbarLogger prints every event to a std logger and reports the events at or above
// its report level to Rollbar.
type RollbarLogger struct {
	std         *log.Logger
	reportLevel string
}

var _ core.Logger = (*RollbarLogger)(nil)

func NewRollbarLogger(std *log.Logger, conf *core.Config) *RollbarLogger {
	rollbar.SetToken(conf.RollbarToken)
	rollbar.SetEnvironment(conf.Env)
	rollbar.SetServerHost(conf.Server.Host)
	rollbar.SetCodeVersion(conf.Build)
	rollbar.SetStackTracer(errors.StackTracer)
	return &RollbarLogger{std: std, reportLevel: rollbar.INFO}
}

func (l *RollbarLogger) Enable(enabled bool) {
	rollbar.SetEnabled(enabled)
}

// SetReportLevel sets the lowest level reported to Rollbar (debug, info, warning, error, critical).
func (l *RollbarLogger) SetReportLevel(level string) {
	if _, ok := levelPriorities[level]; ok {
		l.reportLevel = level
	}
}

// Close waits for the queued reports to be sent.
func (l *RollbarLogger) Close() {
	rollbar.Close()
}

func (l *RollbarLogger) Debug(msg string, args ...interface{}) {
	l.log(rollbar.DEBUG, msg, args)
}

func (l *RollbarLogger) Info(msg string, args ...interface{}) {
	l.log(rollbar.INFO, msg, args)
}

func (l *RollbarLogger) Warn(msg string, args ...interface{}) {
	l.log(rollbar.WARN, msg, args)
}

func (l *RollbarLogger) Error(msg string, args ...interface{}) {
	l.log(rollbar.ERR, msg, args)
}

func (l *RollbarLogger) Fatal(msg string, args ...interface{}) {
	l.log(rollbar.CRIT, msg, args)
	rollbar.Close()
	l.std.Fatal(msg)
}

func (l *RollbarLogger) log(level, msg string, args []interface{}) {
	l.std.Print(format(level, msg, args))
	if levelPriorities[level] >= levelPriorities[l.reportLevel] {
		rollbar.Log(level, prepare(msg, args)...)
	}
}

// prepare builds the Rollbar arguments.
// expected args: error, map[string]interface{} (extras), core.Person
func prepare(msg string, args []interface{}) []interface{} {
	var personSet bool
	newArgs := make([]interface{}, 0, len(args)+1)
	newArgs = append(newArgs, msg)
	for _, arg := range args {
		if p, ok := arg.(core.Person); ok {
			if !personSet { // only report one Person
				rollbar.SetPerson(p.ID, p.Username, p.Email)
				personSet = true
			}
			continue
		}
		newArgs = append(newArgs, arg)
	}
	if !personSet {
		rollbar.ClearPerson()
	}
	return newArgs
}

// format renders an event on one line: `[level] msg key=value ... | error`.
func format(level, msg string, args []interface{}) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", level, msg)
	for _, arg := range args {
		switch a := arg.(type) {
		case map[string]interface{}:
			keys := make([]string, 0, len(a))
			for k := range a {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&b, " %s=%v", k, a[k])
			}
		case core.Person:
			fmt.Fprintf(&b, " person=%s", a.ID)
		case error:
			fmt.Fprintf(&b, " | %+v", a)
		default:
			fmt.Fprintf(&b, " %v", a)
		}
	}
	return b.String()
}
