package routes

import (
	"tripwatch/internal/controllers"
	"tripwatch/internal/middleware"

	"github.com/gin-gonic/gin"
)

func ExportRoutes(r *gin.Engine) {
	trips := r.Group("/trips")
	trips.Use(middleware.RequireAuthWithRole(middleware.RoleManager))
	{
		trips.GET("/export", controllers.ExportTrips)
	}
}
