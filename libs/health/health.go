package health

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// Manager tracks whether the process should receive traffic. Liveness is
// unconditional; readiness flips off during startup gaps and shutdown.
type Manager struct {
	ready atomic.Bool
}

func NewManager(ready bool) *Manager {
	m := &Manager{}
	m.ready.Store(ready)
	return m
}

func (m *Manager) SetReady(ready bool) { m.ready.Store(ready) }

func (m *Manager) Ready() bool { return m.ready.Load() }

func (m *Manager) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (m *Manager) Readiness(c *gin.Context) {
	if m.Ready() {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
}
