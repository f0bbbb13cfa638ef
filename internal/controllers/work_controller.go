package controllers

import (
	"net/http"
	"strconv"

	"github.com/asjohnston-asf/harmony/internal/models"
	"github.com/asjohnston-asf/harmony/internal/services"
	"github.com/gin-gonic/gin"
)

// WorkController is the surface service workers poll for work and report
// results to.
type WorkController struct {
	dispatcher *services.DispatcherService
}

func NewWorkController(dispatcher *services.DispatcherService) *WorkController {
	return &WorkController{dispatcher: dispatcher}
}

// GetWork hands the calling worker the next fair work item for its
// service, or 404 when nothing is ready.
func (wc *WorkController) GetWork(c *gin.Context) {
	serviceID := c.Query("serviceID")
	if serviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "serviceID is required"})
		return
	}

	item, err := wc.dispatcher.NextWorkItem(serviceID)
	if err != nil {
		respondError(c, err)
		return
	}
	if item == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No work available"})
		return
	}
	c.JSON(http.StatusOK, item)
}

// CompleteWorkRequest is a worker's completion report.
type CompleteWorkRequest struct {
	Status    models.WorkItemStatus `json:"status" binding:"required"`
	ResultURL string                `json:"resultUrl"`
	Message   string                `json:"message"`
}

// CompleteWork records the result of a work item.
func (wc *WorkController) CompleteWork(c *gin.Context) {
	itemID, err := strconv.ParseUint(c.Param("itemID"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid work item id"})
		return
	}

	var req CompleteWorkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := wc.dispatcher.CompleteWorkItem(uint(itemID), req.Status, req.ResultURL, req.Message); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// GetServiceBacklog reports total outstanding work for a service, used by
// worker pools for scaling decisions.
func (wc *WorkController) GetServiceBacklog(c *gin.Context) {
	serviceID := c.Query("serviceID")
	if serviceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "serviceID is required"})
		return
	}
	count, err := wc.dispatcher.GetQueuedAndRunningCountForService(serviceID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}
