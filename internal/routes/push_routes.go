package routes

import (
	"tripwatch/internal/controllers"
	"tripwatch/internal/middleware"

	"github.com/gin-gonic/gin"
)

func PushRoutes(r *gin.Engine) {
	push := r.Group("/push")
	push.Use(middleware.RequireAuthWithRole(middleware.RoleIntegration))
	{
		push.POST("/drivers", controllers.PushDrivers)
		push.POST("/departments", controllers.PushDepartments)
	}
}
