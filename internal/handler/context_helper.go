package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/iam-gate-api/internal/models"
)

func requestMeta(c *gin.Context) models.RequestMeta {
	return models.RequestMeta{
		IP:        c.ClientIP(),
		UserAgent: c.GetHeader("User-Agent"),
	}
}
