package routers

import (
	"github.com/gin-gonic/gin"

	"SceneForge-server/routers/api"
)

func InitRouter(h *api.Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestID(), RequestLogger())

	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", h.CreateProject)
		v1.GET("/projects", h.ListProjects)
		v1.GET("/projects/:project_id", h.GetProject)
		v1.PUT("/projects/:project_id", h.UpdateProject)
		v1.DELETE("/projects/:project_id", h.DeleteProject)
		v1.GET("/projects/:project_id/scenes", h.ListScenes)
		v1.GET("/projects/:project_id/tasks", h.ListProjectTasks)
		v1.POST("/projects/:project_id/generate", h.GenerateVideo)
		v1.POST("/projects/:project_id/scenes/:index/regenerate", h.RegenerateScene)
		v1.GET("/tasks/:task_id", h.GetTaskStatus)
		v1.POST("/tasks/:task_id/cancel", h.CancelTask)
	}
	r.GET("/tasks/:task_id/wss", h.TaskProgressWebSocket)
	r.GET("/projects/:project_id/progress/wss", h.ProjectProgressWebSocket)
	return r
}
