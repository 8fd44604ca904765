package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"SceneForge-server/logger"
	"SceneForge-server/models"
	"SceneForge-server/pipeline"
)

// configInput 客户端可写的生成参数，输出字段由流水线维护
type configInput struct {
	Duration          float64 `json:"duration"`
	ModelID           string  `json:"modelId"`
	AspectRatio       string  `json:"aspectRatio"`
	Style             string  `json:"style"`
	Mood              string  `json:"mood"`
	ColorPalette      string  `json:"colorPalette"`
	Pacing            string  `json:"pacing"`
	UseReferenceFrame bool    `json:"useReferenceFrame"`
	Continuous        bool    `json:"continuous"`
	ReferenceImages   bool    `json:"referenceImages"`
	AudioURL          string  `json:"audioUrl"`
}

func (in configInput) applyTo(c *models.ProjectConfig) {
	c.Duration = in.Duration
	c.ModelID = in.ModelID
	c.AspectRatio = in.AspectRatio
	c.Style = in.Style
	c.Mood = in.Mood
	c.ColorPalette = in.ColorPalette
	c.Pacing = in.Pacing
	c.UseReferenceFrame = in.UseReferenceFrame
	c.Continuous = in.Continuous
	c.ReferenceImages = in.ReferenceImages
	c.AudioURL = in.AudioURL
}

func (in configInput) validate() error {
	if in.Duration < 0 {
		return fmt.Errorf("duration must not be negative")
	}
	return nil
}

// 创建项目：POST /v1/api/projects
func (h *Handlers) CreateProject(c *gin.Context) {
	var req struct {
		UserID  string      `json:"userId"`
		Title   string      `json:"title"`
		Concept string      `json:"concept" binding:"required"`
		Config  configInput `json:"config"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Config.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project := models.Project{
		ID:      uuid.NewString(),
		UserID:  req.UserID,
		Title:   req.Title,
		Concept: req.Concept,
		Status:  models.ProjectStatusDraft,
	}
	req.Config.applyTo(&project.Config)

	if err := h.Store.CreateProject(c.Request.Context(), &project); err != nil {
		abortWithError(c, err, "创建项目失败")
		return
	}
	logger.WithRequestID(c.Request.Context()).Info("project created", "project", project.ID)
	c.JSON(http.StatusCreated, gin.H{"project": project})
}

// 项目列表：GET /v1/api/projects?userId=&limit=&offset=
func (h *Handlers) ListProjects(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	projects, err := h.Store.ListProjects(c.Request.Context(), c.Query("userId"), limit, offset)
	if err != nil {
		abortWithError(c, err, "获取项目列表失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

// 获取项目详情（含场景与最近任务）
func (h *Handlers) GetProject(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := c.Param("project_id")

	project, err := h.Store.GetProject(ctx, projectID)
	if err != nil {
		abortWithError(c, err, "项目未找到")
		return
	}
	scenes, err := h.Store.ListScenes(ctx, projectID)
	if err != nil {
		abortWithError(c, err, "获取场景失败")
		return
	}
	var recentTask *models.Task
	if tasks, err := h.Store.ListTasks(ctx, projectID, 1); err == nil && len(tasks) > 0 {
		recentTask = &tasks[0]
	}

	c.JSON(http.StatusOK, gin.H{
		"project":     project,
		"scenes":      scenes,
		"recent_task": recentTask,
	})
}

// 更新项目：生成中的项目不允许修改
func (h *Handlers) UpdateProject(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := c.Param("project_id")
	var req struct {
		Title   *string      `json:"title"`
		Concept *string      `json:"concept"`
		Config  *configInput `json:"config"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project, err := h.Store.GetProject(ctx, projectID)
	if err != nil {
		abortWithError(c, err, "项目未找到")
		return
	}
	if project.Status == models.ProjectStatusGenerating {
		c.JSON(http.StatusConflict, gin.H{"error": "项目生成中，无法修改"})
		return
	}

	u := models.ProjectUpdate{Title: req.Title, Concept: req.Concept}
	if req.Config != nil {
		if err := req.Config.validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cfg := project.Config
		req.Config.applyTo(&cfg)
		u.Config = &cfg
	}
	if err := h.Store.UpdateProject(ctx, projectID, u); err != nil {
		abortWithError(c, err, "更新项目失败")
		return
	}

	updated, err := h.Store.GetProject(ctx, projectID)
	if err != nil {
		abortWithError(c, err, "获取项目失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": updated})
}

// 删除项目：先取消执行中的任务，再删除项目、场景与任务
func (h *Handlers) DeleteProject(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := c.Param("project_id")
	log := logger.WithRequestID(ctx)

	tasks, err := h.Store.ListTasks(ctx, projectID, 0)
	if err != nil {
		log.Warn("list tasks before delete failed", "project", projectID, "error", err)
	}
	for _, t := range tasks {
		if t.Status != models.TaskStatusProcessing || h.Cancel == nil {
			continue
		}
		if h.Cancel.CancelTask(t.ID) {
			log.Info("cancelled task before project delete", "task", t.ID)
		}
	}

	if err := h.Store.DeleteProject(ctx, projectID); err != nil {
		abortWithError(c, err, "删除项目失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"deleteAt": time.Now(),
		"message":  "项目已删除",
	})
}

// 场景列表：GET /v1/api/projects/:project_id/scenes
func (h *Handlers) ListScenes(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := c.Param("project_id")
	if _, err := h.Store.GetProject(ctx, projectID); err != nil {
		abortWithError(c, err, "项目未找到")
		return
	}
	scenes, err := h.Store.ListScenes(ctx, projectID)
	if err != nil {
		abortWithError(c, err, "获取场景失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{"scenes": scenes})
}

// 整片生成：POST /v1/api/projects/:project_id/generate
func (h *Handlers) GenerateVideo(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := c.Param("project_id")
	var req models.RunParams
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if _, err := pipeline.ParseMode(req.Mode); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.MaxParallel < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "maxParallel must not be negative"})
		return
	}

	project, err := h.Store.GetProject(ctx, projectID)
	if err != nil {
		abortWithError(c, err, "项目未找到")
		return
	}
	if project.Status == models.ProjectStatusGenerating {
		c.JSON(http.StatusConflict, gin.H{"error": "项目已在生成中"})
		return
	}

	h.submit(c, &models.Task{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		Type:       models.TaskTypeGenerateVideo,
		Status:     models.TaskStatusPending,
		Message:    "整片生成任务已创建",
		Parameters: models.TaskParameters{Run: &req},
	})
}

// 单场景重生成：POST /v1/api/projects/:project_id/scenes/:index/regenerate
func (h *Handlers) RegenerateScene(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := c.Param("project_id")
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scene index"})
		return
	}
	var req models.SceneParams
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Duration < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "duration must not be negative"})
		return
	}
	req.SceneIndex = index

	if _, err := h.Store.GetProject(ctx, projectID); err != nil {
		abortWithError(c, err, "项目未找到")
		return
	}

	h.submit(c, &models.Task{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		Type:       models.TaskTypeRegenerateScene,
		Status:     models.TaskStatusPending,
		Message:    fmt.Sprintf("场景 %d 重生成任务已创建", index+1),
		Parameters: models.TaskParameters{Scene: &req},
	})
}

// submit 落库并入队；入队失败时把任务标记为失败
func (h *Handlers) submit(c *gin.Context, task *models.Task) {
	ctx := c.Request.Context()
	if err := h.Store.CreateTask(ctx, task); err != nil {
		abortWithError(c, err, "创建任务失败")
		return
	}
	if err := h.Queue.Enqueue(ctx, task); err != nil {
		_ = h.Store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusFailed, nil, "enqueue failed: "+err.Error())
		abortWithError(c, err, "任务入队失败")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"task_id":    task.ID,
		"project_id": task.ProjectID,
		"type":       task.Type,
	})
}
