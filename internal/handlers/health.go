package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/call-signaling/internal/registry"
)

type HealthResponse struct {
	Status      string    `json:"status"`
	ServerTime  time.Time `json:"serverTime"`
	Connections int       `json:"connections"`
	Identities  []string  `json:"identities"`
}

// Health reports server time and who is currently registered.
func Health(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := reg.Snapshot()
		ids := snap.Identities
		if ids == nil {
			ids = []string{}
		}
		c.JSON(http.StatusOK, HealthResponse{
			Status:      "ok",
			ServerTime:  time.Now().UTC(),
			Connections: len(snap.Conns),
			Identities:  ids,
		})
	}
}
