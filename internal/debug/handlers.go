package debug

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/kernel/internal/object"
	"github.com/GriffinCanCode/AgentOS/kernel/internal/task"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"job":    s.root.ID(),
	})
}

func (s *Server) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}

// jobs returns the whole task tree under the root.
func (s *Server) jobs(c *gin.Context) {
	c.JSON(http.StatusOK, s.root.Info())
}

func (s *Server) process(c *gin.Context) {
	proc, ok := s.lookupProcess(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, proc.Info())
}

func (s *Server) killProcess(c *gin.Context) {
	proc, ok := s.lookupProcess(c)
	if !ok {
		return
	}
	proc.Kill()
	s.logger.Info("process killed from debug server",
		zap.Uint64("koid", uint64(proc.ID())),
		zap.String("name", proc.Name()))
	c.JSON(http.StatusOK, proc.Info())
}

// lookupProcess resolves the :koid parameter, writing the error response
// itself when it fails.
func (s *Server) lookupProcess(c *gin.Context) (*task.Process, bool) {
	koid, err := strconv.ParseUint(c.Param("koid"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid koid: " + c.Param("koid")})
		return nil, false
	}
	proc, ok := s.root.FindProcess(object.Koid(koid))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no process with koid " + c.Param("koid")})
		return nil, false
	}
	return proc, true
}

func (s *Server) logLevel(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"level": s.logger.Level().String()})
}

func (s *Server) setLogLevel(c *gin.Context) {
	var req struct {
		Level string `json:"level" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
		return
	}
	if err := s.logger.SetLevel(req.Level); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid level: " + req.Level})
		return
	}
	s.logger.Info("log level changed", zap.String("level", req.Level))
	c.JSON(http.StatusOK, gin.H{"level": s.logger.Level().String()})
}
