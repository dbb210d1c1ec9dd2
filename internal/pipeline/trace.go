package pipeline

import (
	"fmt"
	"strings"
)

// TraceEvent is one step of the build, recorded by the coordinator in the
// order decisions were made. With a single worker the sequence is fully
// deterministic; the harness snapshots it against golden files.
type TraceEvent struct {
	Seq    int
	Name   string // object label
	Kind   string
	Event  string // job state name or "fingerprinted"
	Detail string // fingerprint, error text, or empty
}

func (e TraceEvent) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%02d %s/%s %s", e.Seq, e.Name, e.Kind, e.Event)
	if e.Detail != "" {
		fmt.Fprintf(&sb, " %s", e.Detail)
	}
	return sb.String()
}

// FormatTrace renders a trace one event per line.
func FormatTrace(events []TraceEvent) string {
	var sb strings.Builder
	for _, e := range events {
		sb.WriteString(e.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
