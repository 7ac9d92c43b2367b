package handler

import (
	"errors"
	"net/http"
	"strconv"

	"reelflow/app/queue"
	"reelflow/app/service"

	"github.com/gin-gonic/gin"
)

// QueueHandler 队列查询与管理接口
type QueueHandler struct {
	orchestrator *service.Orchestrator
}

// NewQueueHandler 创建队列处理器
func NewQueueHandler(orchestrator *service.Orchestrator) *QueueHandler {
	return &QueueHandler{orchestrator: orchestrator}
}

// Stats 两个队列的任务统计
func (h *QueueHandler) Stats(c *gin.Context) {
	stats, err := h.orchestrator.Stats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusServiceUnavailable, "获取队列统计失败")
		return
	}
	success(c, stats, "获取成功")
}

// Active 正在执行的任务
func (h *QueueHandler) Active(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	active, err := h.orchestrator.ActiveJobs(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusServiceUnavailable, "获取执行中任务失败")
		return
	}
	success(c, active, "获取成功")
}

// Job 查询任务状态
func (h *QueueHandler) Job(c *gin.Context) {
	job, err := h.orchestrator.JobStatus(c.Request.Context(), c.Query("queueType"), c.Param("jobId"))
	if err != nil {
		h.queueError(c, err)
		return
	}
	success(c, job, "获取成功")
}

// Cancel 取消任务
func (h *QueueHandler) Cancel(c *gin.Context) {
	cancelled, err := h.orchestrator.Cancel(c.Request.Context(), c.Query("queueType"), c.Param("jobId"))
	if err != nil {
		h.queueError(c, err)
		return
	}
	if !cancelled {
		fail(c, http.StatusConflict, "任务不存在或已结束")
		return
	}
	success(c, gin.H{"job_id": c.Param("jobId"), "cancelled": true}, "任务已取消")
}

// Clean 立即执行一次清理
func (h *QueueHandler) Clean(c *gin.Context) {
	report, err := h.orchestrator.Clean(c.Request.Context())
	if err != nil {
		fail(c, http.StatusServiceUnavailable, "清理任务失败")
		return
	}
	success(c, report, "清理完成")
}

func (h *QueueHandler) queueError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownQueue):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrJobNotFound):
		fail(c, http.StatusNotFound, "任务不存在")
	default:
		fail(c, http.StatusServiceUnavailable, "查询任务失败")
	}
}
