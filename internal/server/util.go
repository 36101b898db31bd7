package server

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/simvisor/internal/lifecycle"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

// wantWait reports whether the caller asked to block on the action.
// "wait" alone counts as true.
func wantWait(c *gin.Context) bool {
	v, ok := c.GetQuery("wait")
	if !ok {
		return false
	}
	if v == "" {
		return true
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// parseKinds turns "state-changed,log-line" into a filter. Empty means all.
func parseKinds(s string) func(lifecycle.EventKind) bool {
	want := map[lifecycle.EventKind]bool{}
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			want[lifecycle.EventKind(k)] = true
		}
	}
	if len(want) == 0 {
		return func(lifecycle.EventKind) bool { return true }
	}
	return func(k lifecycle.EventKind) bool { return want[k] }
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}
