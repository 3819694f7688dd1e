// Package config parses the command-line flags and debug environment
// variable shared by goice's tooling: a default STUN server to fall back
// on when a caller doesn't supply one, and a comma-separated TRACE tag
// list that promotes individual subsystems (matched against the scope
// string each pion/logging.LoggerFactory.NewLogger call is made with) to
// trace-level logging while leaving everything else at its default level.
package config

import (
	"os"
	"strings"

	"github.com/pion/logging"
	flag "github.com/spf13/pflag"
)

// DefaultSTUNServer is the default value of the --stun-server flag. An
// AgentConfig that omits Urls gets no STUN server; it does not fall back to
// this one.
const DefaultSTUNServer = "stun2.l.google.com:19302"

var (
	flagEnableIPv6 bool
	flagStunServer string

	traceTags map[string]bool
)

func init() {
	flag.BoolVarP(&flagEnableIPv6, "ipv6", "6", false, "Allow use of IPv6 host candidates")
	flag.StringVar(&flagStunServer, "stun-server", DefaultSTUNServer, "Default STUN server address")

	traceTags = parseTraceTags(os.Getenv("TRACE"))
}

func parseTraceTags(v string) map[string]bool {
	tags := make(map[string]bool)
	for _, tag := range strings.Split(v, ",") {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			tags[tag] = true
		}
	}
	return tags
}

// EnableIPv6 reports whether the -6/--ipv6 flag was set. flag.Parse must
// have already run; callers that never parse flags (library embedding
// rather than CLI use) simply get the false default.
func EnableIPv6() bool {
	return flagEnableIPv6
}

// StunServer returns the -stun-server flag value, defaulting to
// DefaultSTUNServer.
func StunServer() string {
	return flagStunServer
}

// Traced reports whether the named subsystem was listed in the TRACE
// environment variable, e.g. TRACE=checklist,ptcp.
func Traced(subsystem string) bool {
	return traceTags[subsystem]
}

// LoggerFactory returns a logging.LoggerFactory that logs at
// logging.LogLevelTrace for any subsystem named in TRACE and at
// logging.LogLevelWarn for everything else, keying selective verbosity off
// the scope name pion/logging already threads through NewLogger so any
// goice subsystem can be promoted independently.
func LoggerFactory() logging.LoggerFactory {
	return tracingLoggerFactory{}
}

type tracingLoggerFactory struct{}

func (tracingLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	level := logging.LogLevelWarn
	if Traced(scope) {
		level = logging.LogLevelTrace
	}
	f := logging.DefaultLoggerFactory{
		Writer:          os.Stderr,
		DefaultLogLevel: level,
	}
	return f.NewLogger(scope)
}
