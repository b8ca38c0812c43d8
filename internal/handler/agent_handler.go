package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tatamihq/dojo-api/internal/models"
	"github.com/tatamihq/dojo-api/internal/service"
	appErrors "github.com/tatamihq/dojo-api/pkg/errors"
	"github.com/tatamihq/dojo-api/pkg/response"
)

// AgentHandler exposes the agent-activity console: insights awaiting
// review and human-approved task execution.
type AgentHandler struct {
	agents *service.AgentService
}

// NewAgentHandler constructs AgentHandler.
func NewAgentHandler(agents *service.AgentService) *AgentHandler {
	return &AgentHandler{agents: agents}
}

// ListInsights godoc
// @Summary List agent insights
// @Tags Agents
// @Produce json
// @Security BearerAuth
// @Param status query string false "Filter by review status"
// @Success 200 {object} response.Envelope
// @Router /agents/insights [get]
func (h *AgentHandler) ListInsights(c *gin.Context) {
	status := models.AgentInsightStatus(c.Query("status"))
	insights, err := h.agents.ListInsights(c.Request.Context(), organizationFromContext(c), status)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, insights, nil)
}

// ApproveInsight godoc
// @Summary Approve a pending insight
// @Tags Agents
// @Produce json
// @Security BearerAuth
// @Param id path string true "Insight ID"
// @Success 200 {object} response.Envelope
// @Router /agents/insights/{id}/approve [post]
func (h *AgentHandler) ApproveInsight(c *gin.Context) {
	insight, err := h.agents.ReviewInsight(c.Request.Context(), c.Param("id"), true, actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, insight, nil)
}

// DismissInsight godoc
// @Summary Dismiss a pending insight
// @Tags Agents
// @Produce json
// @Security BearerAuth
// @Param id path string true "Insight ID"
// @Success 200 {object} response.Envelope
// @Router /agents/insights/{id}/dismiss [post]
func (h *AgentHandler) DismissInsight(c *gin.Context) {
	insight, err := h.agents.ReviewInsight(c.Request.Context(), c.Param("id"), false, actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, insight, nil)
}

// CreateTask godoc
// @Summary Propose an agent task
// @Tags Agents
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body service.CreateAgentTaskRequest true "Task payload"
// @Success 201 {object} response.Envelope
// @Router /agents/tasks [post]
func (h *AgentHandler) CreateTask(c *gin.Context) {
	var req service.CreateAgentTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	task, err := h.agents.CreateTask(c.Request.Context(), organizationFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, task)
}

// ListTasks godoc
// @Summary List agent tasks
// @Tags Agents
// @Produce json
// @Security BearerAuth
// @Param agent query string false "Filter by agent name"
// @Param status query string false "Filter by status"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /agents/tasks [get]
func (h *AgentHandler) ListTasks(c *gin.Context) {
	var filter models.AgentTaskFilter
	filter.OrganizationID = organizationFromContext(c)
	filter.Agent = c.Query("agent")
	filter.Status = models.AgentTaskStatus(c.Query("status"))
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}

	tasks, pagination, err := h.agents.ListTasks(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, tasks, pagination)
}

// GetTask godoc
// @Summary Get agent task detail
// @Tags Agents
// @Produce json
// @Security BearerAuth
// @Param id path string true "Task ID"
// @Success 200 {object} response.Envelope
// @Router /agents/tasks/{id} [get]
func (h *AgentHandler) GetTask(c *gin.Context) {
	task, err := h.agents.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, task, nil)
}

// ApproveTask godoc
// @Summary Approve a proposed task for immediate execution
// @Tags Agents
// @Produce json
// @Security BearerAuth
// @Param id path string true "Task ID"
// @Success 200 {object} response.Envelope
// @Router /agents/tasks/{id}/approve [post]
func (h *AgentHandler) ApproveTask(c *gin.Context) {
	task, err := h.agents.ApproveTask(c.Request.Context(), c.Param("id"), actorFromContext(c), service.ApproveTaskRequest{})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, task, nil)
}

// ScheduleTask godoc
// @Summary Approve a task deferred to a future time
// @Tags Agents
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Task ID"
// @Param payload body service.ApproveTaskRequest true "Deferral payload"
// @Success 200 {object} response.Envelope
// @Router /agents/tasks/{id}/schedule [post]
func (h *AgentHandler) ScheduleTask(c *gin.Context) {
	var req service.ApproveTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	if req.ScheduledFor == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "scheduled_for is required"))
		return
	}
	task, err := h.agents.ApproveTask(c.Request.Context(), c.Param("id"), actorFromContext(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, task, nil)
}

// ExecuteTask godoc
// @Summary Re-dispatch a scheduled task to the worker queue
// @Tags Agents
// @Produce json
// @Security BearerAuth
// @Param id path string true "Task ID"
// @Success 202 {object} response.Envelope
// @Router /agents/tasks/{id}/execute [post]
func (h *AgentHandler) ExecuteTask(c *gin.Context) {
	task, err := h.agents.DispatchTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, task, nil)
}

// CancelTask godoc
// @Summary Cancel a task before it executes
// @Tags Agents
// @Produce json
// @Security BearerAuth
// @Param id path string true "Task ID"
// @Success 200 {object} response.Envelope
// @Router /agents/tasks/{id}/cancel [post]
func (h *AgentHandler) CancelTask(c *gin.Context) {
	task, err := h.agents.CancelTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, task, nil)
}
