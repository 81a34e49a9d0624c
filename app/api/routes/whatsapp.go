package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/wagate/pkg/constant"
	"github.com/wagate/pkg/domains/whatsapp"
	"github.com/wagate/pkg/dtos"
	"github.com/wagate/pkg/middleware"
	"github.com/wagate/pkg/state"
)

func WhatsAppRoutes(r *gin.RouterGroup, s whatsapp.Service) {
	authGroup := r.Group("", middleware.CheckAuth())
	{
		authGroup.GET("/qr-code", getQRCode(s))
		authGroup.POST("/send-message", sendMessage(s))
		authGroup.POST("/check-number", checkNumber(s))
		authGroup.GET("/status", getStatus(s))
		authGroup.POST("/logout", logout(s))
	}
}

func currentUsername(c *gin.Context) string {
	username, _ := c.Get(state.CurrentUsername)
	if s, ok := username.(string); ok {
		return s
	}
	return ""
}

func getQRCode(s whatsapp.Service) func(c *gin.Context) {
	return func(c *gin.Context) {
		username := currentUsername(c)
		qrCode, err := s.GetQRCode(c.Request.Context(), username)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}

		c.JSON(200, dtos.QRCodeDTO{
			Username: username,
			QRCode:   qrCode,
		})
	}
}

func sendMessage(s whatsapp.Service) func(c *gin.Context) {
	return func(c *gin.Context) {
		var req dtos.SendMessageDTO
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": constant.INVALID_REQUEST})
			return
		}

		response, err := s.SendMessage(c.Request.Context(), currentUsername(c), req)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}

		c.JSON(200, gin.H{
			"message": constant.MESSAGE_SENT,
			"data":    response,
		})
	}
}

func checkNumber(s whatsapp.Service) func(c *gin.Context) {
	return func(c *gin.Context) {
		var req struct {
			PhoneNumber string `json:"phone_number" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": constant.INVALID_REQUEST})
			return
		}

		result, err := s.CheckNumber(c.Request.Context(), currentUsername(c), req.PhoneNumber)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}

		c.JSON(200, result)
	}
}

func getStatus(s whatsapp.Service) func(c *gin.Context) {
	return func(c *gin.Context) {
		status, err := s.GetStatus(c.Request.Context(), currentUsername(c))
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}

		c.JSON(200, dtos.WhatsAppStatusDTO{
			Status: status,
		})
	}
}

func logout(s whatsapp.Service) func(c *gin.Context) {
	return func(c *gin.Context) {
		if err := s.Logout(c.Request.Context(), currentUsername(c)); err != nil {
			c.JSON(404, gin.H{"error": err.Error()})
			return
		}

		c.JSON(200, gin.H{"message": constant.LOGGED_OUT})
	}
}
