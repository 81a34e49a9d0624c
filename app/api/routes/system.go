package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/wagate/pkg/domains/ingest"
	"github.com/wagate/pkg/domains/store"
)

// SystemRoutes exposes health, readiness and the ingestion snapshot. These sit
// outside the versioned API group and carry no auth; they are for probes.
func SystemRoutes(r *gin.Engine, repo store.Repository, ing ingest.Service) {
	r.GET("/health", func(c *gin.Context) {
		snapshot := ing.Snapshot()
		if !repo.Ping(c.Request.Context()) {
			c.JSON(503, gin.H{
				"ok":          false,
				"queue_depth": snapshot.QueueDepth,
				"counters":    snapshot.Counters,
			})
			return
		}
		c.JSON(200, gin.H{
			"ok":          true,
			"queue_depth": snapshot.QueueDepth,
			"counters":    snapshot.Counters,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		if !repo.Ping(c.Request.Context()) || !ing.Ready() {
			c.JSON(503, gin.H{"ready": false, "queue_depth": ing.QueueDepth()})
			return
		}
		c.JSON(200, gin.H{"ready": true, "queue_depth": ing.QueueDepth()})
	})

	r.GET("/ingest/metrics", func(c *gin.Context) {
		c.JSON(200, ing.Snapshot())
	})
}
