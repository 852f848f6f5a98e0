package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	// SubjectCommands is where the bridge serves command envelopes.
	SubjectCommands = "hostbridge.commands"
	// SubjectHostCommands is where a host-side responder accepts forwarded commands.
	SubjectHostCommands = "hostbridge.host.commands"
	// SubjectEvents prefixes dispatch lifecycle events.
	SubjectEvents = "hostbridge.events"
)

// BuildEventSubject builds a granular dispatch event subject, e.g.
// "hostbridge.events.error.get_scene_info".
func BuildEventSubject(prefix, kind, command string) string {
	if prefix == "" {
		prefix = SubjectEvents
	}
	return fmt.Sprintf("%s.%s.%s", prefix, kind, SafeToken(command))
}

// SafeToken replaces characters that are not valid inside a single subject
// token.
func SafeToken(s string) string {
	if s == "" {
		return "_"
	}
	r := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	return r.Replace(s)
}
