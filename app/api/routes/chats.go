package routes

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wagate/pkg/constant"
	"github.com/wagate/pkg/domains/store"
	"github.com/wagate/pkg/middleware"
)

func ChatRoutes(r *gin.RouterGroup, repo store.Repository) {
	authGroup := r.Group("", middleware.CheckAuth())
	{
		authGroup.GET("", listConversations(repo))
		authGroup.GET("/:jid/messages", listMessages(repo))
	}
}

func pagination(c *gin.Context) (int, *int64) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	var cursor *int64
	if raw := c.Query("cursor"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cursor = &n
		}
	}
	return limit, cursor
}

func listConversations(repo store.Repository) func(c *gin.Context) {
	return func(c *gin.Context) {
		limit, cursor := pagination(c)
		chats, err := repo.ListConversations(c.Request.Context(), limit, cursor)
		if err != nil {
			c.JSON(500, gin.H{"error": constant.SOMETHING_WENT_WRONG})
			return
		}

		c.JSON(200, gin.H{"conversations": chats})
	}
}

func listMessages(repo store.Repository) func(c *gin.Context) {
	return func(c *gin.Context) {
		jid := c.Param("jid")
		if jid == "" {
			c.JSON(400, gin.H{"error": constant.INVALID_REQUEST})
			return
		}

		limit, cursor := pagination(c)
		messages, err := repo.ListMessages(c.Request.Context(), jid, limit, cursor)
		if err != nil {
			c.JSON(500, gin.H{"error": constant.SOMETHING_WENT_WRONG})
			return
		}

		c.JSON(200, gin.H{"messages": messages})
	}
}
