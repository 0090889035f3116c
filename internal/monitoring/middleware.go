package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/zx"
)

// Middleware creates a Gin middleware recording debug server requests.
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// Timer measures one syscall.
type Timer struct {
	start   time.Time
	metrics *Metrics
	name    string
}

// NewTimer starts timing the named syscall.
func NewTimer(metrics *Metrics, name string) *Timer {
	return &Timer{
		start:   time.Now(),
		metrics: metrics,
		name:    name,
	}
}

// Stop records the syscall with its result.
func (t *Timer) Stop(err error) zx.Status {
	status := zx.StatusOf(err)
	if t.metrics != nil {
		t.metrics.RecordSyscall(t.name, status, time.Since(t.start))
	}
	return status
}
