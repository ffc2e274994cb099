package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/adjutant-project/adjutant/internal/client"
	"github.com/adjutant-project/adjutant/internal/console"
	"github.com/adjutant-project/adjutant/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "adjutant",
	})
}

// handleGetServers returns the state of every configured server.
func (s *Server) handleGetServers(c *gin.Context) {
	states := s.manager.States()
	c.JSON(http.StatusOK, gin.H{
		"servers": states,
		"total":   len(states),
	})
}

// handleCommand executes a console command on the named server.
func (s *Server) handleCommand(c *gin.Context) {
	var body struct {
		Command string `json:"command" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}

	name := c.Param("name")
	out, err := s.manager.Execute(c.Request.Context(), name, body.Command)
	if err != nil {
		log.Warn().Err(err).Str("server", name).Str("command", body.Command).
			Msg("API: command failed")
		c.JSON(statusFromError(err), gin.H{"error": err.Error(), "server": name})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"server":   name,
		"command":  body.Command,
		"response": out,
	})
}

// handleStatus returns the server's console status output, cached for
// the configured TTL. Concurrent cache misses for the same server are
// collapsed into a single console round trip.
func (s *Server) handleStatus(c *gin.Context) {
	name := c.Param("name")
	if !s.manager.HasServer(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "server not found", "server": name})
		return
	}

	key := "status:" + name
	if val, found := s.statusCache.Get(key); found {
		c.JSON(http.StatusOK, gin.H{"server": name, "status": val.(string), "cached": true})
		return
	}

	ttl := statusCacheTTL(s.cfg)
	val, err, _ := s.statusGroup.Do(key, func() (interface{}, error) {
		// Another request may have populated the cache while this one
		// waited on the flight group.
		if cached, found := s.statusCache.Get(key); found {
			return cached.(string), nil
		}

		out, err := s.manager.Execute(c.Request.Context(), name, "status")
		if err != nil {
			return "", err
		}
		s.statusCache.Set(key, out, ttl)
		return out, nil
	})
	if err != nil {
		c.JSON(statusFromError(err), gin.H{"error": err.Error(), "server": name})
		return
	}

	c.JSON(http.StatusOK, gin.H{"server": name, "status": val.(string), "cached": false})
}

// handleGetHistory returns recent command executions, optionally
// filtered by server.
func (s *Server) handleGetHistory(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "command history is disabled"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	entries, err := s.store.Recent(c.Query("server"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleGetSystem returns host system information and usage.
func (s *Server) handleGetSystem(c *gin.Context) {
	sysInfo := util.GetSystemInfo()

	cpu, err := util.GetCPUUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	mem, err := util.GetMemoryUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	payload := gin.H{
		"platform":        sysInfo.Platform,
		"hostname":        sysInfo.Hostname,
		"os":              sysInfo.OS,
		"architecture":    sysInfo.Architecture,
		"cpu_model":       sysInfo.CPUModel,
		"cpu_cores":       sysInfo.CPUCores,
		"cpu_percent":     cpu,
		"total_memory_mb": sysInfo.TotalMemory,
		"memory": gin.H{
			"total_mb":     mem.Total,
			"used_mb":      mem.Used,
			"available_mb": mem.Available,
			"used_percent": mem.UsedPercent,
		},
	}

	// Disk stats are best-effort.
	if diskUsage, err := util.GetDiskUsage("."); err == nil {
		payload["disk"] = gin.H{
			"total_gb":     diskUsage.Total,
			"used_gb":      diskUsage.Used,
			"free_gb":      diskUsage.Free,
			"used_percent": diskUsage.UsedPercent,
		}
	} else {
		log.Warn().Err(err).Msg("API: disk usage unavailable")
	}

	c.JSON(http.StatusOK, payload)
}

// statusFromError maps a console error to an HTTP status. The game
// server is upstream of this API, so console failures surface as
// gateway errors.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, console.ErrUnknownServer):
		return http.StatusNotFound
	case errors.Is(err, client.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, client.ErrHostUnreachable),
		errors.Is(err, client.ErrAuthFailed),
		errors.Is(err, client.ErrSessionBroken),
		errors.Is(err, client.ErrSendFailed),
		errors.Is(err, client.ErrReceiveFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
