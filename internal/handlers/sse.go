package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"poly2api-go/internal/translator"
)

func setSSEHeaders(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
}

// writeWire writes one SSE frame and flushes. An empty Event means a bare
// `data:` line (OpenAI grammar).
func writeWire(c *gin.Context, ev translator.WireEvent) {
	w := c.Writer
	if ev.Event != "" {
		_, _ = w.WriteString("event: " + ev.Event + "\n")
	}
	_, _ = w.WriteString("data: ")
	_, _ = w.Write(ev.Data)
	_, _ = w.WriteString("\n\n")
	w.Flush()
}

// streamRenderer is the per-dialect SSE grammar; both renderers track a
// running output-token estimate used when the upstream reports no usage.
type streamRenderer interface {
	Next(translator.StreamEvent) []translator.WireEvent
	OutputTokens() int
}
