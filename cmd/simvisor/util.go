package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loykin/simvisor/pkg/client"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func printJSONLine(w io.Writer, v any) {
	b, _ := json.Marshal(v)
	_, _ = fmt.Fprintln(w, string(b))
}

// formatEvent renders one notification as a log-style line.
func formatEvent(e client.Event) string {
	var b strings.Builder
	ts := e.OccurredAt
	if ts.IsZero() {
		ts = time.Now()
	}
	fmt.Fprintf(&b, "%s %-14s %-8s", ts.Local().Format("15:04:05.000"), e.Kind, e.State)
	switch {
	case e.Text != "":
		b.WriteString(" " + e.Text)
	case e.ExitCode != nil:
		fmt.Fprintf(&b, " exit code %d", *e.ExitCode)
	case e.Signal != nil:
		b.WriteString(" killed by " + *e.Signal)
	}
	if e.Message != "" {
		b.WriteString(" (" + e.Message + ")")
	}
	return b.String()
}
