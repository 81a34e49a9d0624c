package routes

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/wagate/pkg/constant"
	"github.com/wagate/pkg/domains/store"
	"github.com/wagate/pkg/dtos"
	"github.com/wagate/pkg/entities"
	"github.com/wagate/pkg/middleware"
)

func TenantRoutes(r *gin.RouterGroup, repo store.Repository) {
	authGroup := r.Group("", middleware.CheckAuth())
	{
		authGroup.GET("/webhooks", listWebhooks(repo))
		authGroup.POST("/webhooks", createWebhook(repo))
		authGroup.DELETE("/webhooks/:id", deleteWebhook(repo))
		authGroup.GET("/exclusions", listExclusions(repo))
		authGroup.POST("/exclusions", addExclusion(repo))
		authGroup.DELETE("/exclusions", removeExclusion(repo))
		authGroup.GET("/business-info", getBusinessInfo(repo))
		authGroup.PUT("/business-info", putBusinessInfo(repo))
	}
}

func listWebhooks(repo store.Repository) func(c *gin.Context) {
	return func(c *gin.Context) {
		hooks, err := repo.ListWebhooks(c.Request.Context(), currentUsername(c))
		if err != nil {
			c.JSON(500, gin.H{"error": constant.SOMETHING_WENT_WRONG})
			return
		}
		c.JSON(200, gin.H{"webhooks": hooks})
	}
}

func createWebhook(repo store.Repository) func(c *gin.Context) {
	return func(c *gin.Context) {
		var req dtos.CreateWebhookDTO
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": constant.INVALID_REQUEST})
			return
		}

		hook, err := repo.CreateWebhook(c.Request.Context(), entities.Webhook{
			Username: currentUsername(c),
			URL:      req.URL,
			Name:     req.Name,
			Secret:   req.Secret,
			IsActive: true,
		})
		if err != nil {
			c.JSON(500, gin.H{"error": constant.SOMETHING_WENT_WRONG})
			return
		}

		c.JSON(201, gin.H{"webhook": hook})
	}
}

func deleteWebhook(repo store.Repository) func(c *gin.Context) {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(400, gin.H{"error": constant.INVALID_REQUEST})
			return
		}

		if err := repo.DeleteWebhook(c.Request.Context(), currentUsername(c), uint(id)); err != nil {
			c.JSON(500, gin.H{"error": constant.SOMETHING_WENT_WRONG})
			return
		}

		c.JSON(200, gin.H{"message": "Webhook deleted"})
	}
}

func listExclusions(repo store.Repository) func(c *gin.Context) {
	return func(c *gin.Context) {
		numbers, err := repo.GetExcludedNumbers(c.Request.Context(), currentUsername(c))
		if err != nil {
			c.JSON(500, gin.H{"error": constant.SOMETHING_WENT_WRONG})
			return
		}

		list := make([]string, 0, len(numbers))
		for number := range numbers {
			list = append(list, number)
		}
		c.JSON(200, gin.H{"excluded_numbers": list})
	}
}

func addExclusion(repo store.Repository) func(c *gin.Context) {
	return func(c *gin.Context) {
		var req dtos.ExcludedNumberDTO
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": constant.INVALID_REQUEST})
			return
		}

		if err := repo.AddExcludedNumber(c.Request.Context(), currentUsername(c), req.Number); err != nil {
			c.JSON(500, gin.H{"error": constant.SOMETHING_WENT_WRONG})
			return
		}

		c.JSON(201, gin.H{"message": "Number excluded"})
	}
}

func removeExclusion(repo store.Repository) func(c *gin.Context) {
	return func(c *gin.Context) {
		var req dtos.ExcludedNumberDTO
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": constant.INVALID_REQUEST})
			return
		}

		if err := repo.RemoveExcludedNumber(c.Request.Context(), currentUsername(c), req.Number); err != nil {
			c.JSON(500, gin.H{"error": constant.SOMETHING_WENT_WRONG})
			return
		}

		c.JSON(200, gin.H{"message": "Number removed"})
	}
}

func getBusinessInfo(repo store.Repository) func(c *gin.Context) {
	return func(c *gin.Context) {
		info, err := repo.GetBusinessInfo(c.Request.Context(), currentUsername(c))
		if err != nil {
			c.JSON(500, gin.H{"error": constant.SOMETHING_WENT_WRONG})
			return
		}
		if info == nil {
			c.JSON(404, gin.H{"error": "No business info"})
			return
		}

		c.JSON(200, gin.H{"business_info": info, "mobile_numbers": store.MobileNumbers(info)})
	}
}

func putBusinessInfo(repo store.Repository) func(c *gin.Context) {
	return func(c *gin.Context) {
		var req dtos.BusinessInfoDTO
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": constant.INVALID_REQUEST})
			return
		}

		info := entities.BusinessInfo{
			Username:        currentUsername(c),
			Name:            req.Name,
			WorkingHours:    req.WorkingHours,
			LocationURL:     req.LocationURL,
			ShippingDetails: req.ShippingDetails,
			InstagramURL:    req.InstagramURL,
			WebsiteURL:      req.WebsiteURL,
			MobileNumbers:   store.EncodeMobileNumbers(req.MobileNumbers),
		}
		if err := repo.UpsertBusinessInfo(c.Request.Context(), info); err != nil {
			c.JSON(500, gin.H{"error": constant.SOMETHING_WENT_WRONG})
			return
		}

		c.JSON(200, gin.H{"message": "Business info updated"})
	}
}
