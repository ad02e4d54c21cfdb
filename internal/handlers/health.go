package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/soulline/advisory/pkg/response"
)

// Health returns a simple status payload useful for readiness checks. The
// database ping keeps the probe honest about persistence availability.
func Health(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "ok"
		httpStatus := http.StatusOK

		if db != nil {
			sqlDB, err := db.DB()
			if err == nil {
				err = sqlDB.PingContext(c.Request.Context())
			}
			if err != nil {
				status = "degraded"
				httpStatus = http.StatusServiceUnavailable
			}
		}

		response.Success(c, httpStatus, gin.H{"status": status})
	}
}
