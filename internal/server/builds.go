package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	buildjobdomain "github.com/smallbiznis/storeforge/internal/buildjob/domain"
	"github.com/smallbiznis/storeforge/pkg/db/pagination"
)

func (s *Server) TriggerBuild(c *gin.Context) {
	job, err := s.buildSvc.TriggerBuild(c.Request.Context(), buildjobdomain.TriggerRequest{
		TemplateID: strings.TrimSpace(c.Param("template_id")),
		StoreID:    storeIDFrom(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": job})
}

type buildCallbackRequest struct {
	JobID       string  `json:"jobId"`
	Status      string  `json:"status"`
	DownloadURL *string `json:"downloadUrl"`
	Error       string  `json:"error"`
}

// ReceiveBuildCallback acknowledges dropped transitions with 200 so the
// build system does not retry them.
func (s *Server) ReceiveBuildCallback(c *gin.Context) {
	var req buildCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.buildSvc.ReceiveCallback(c.Request.Context(), buildjobdomain.CallbackRequest{
		JobID:       strings.TrimSpace(req.JobID),
		Status:      req.Status,
		DownloadURL: req.DownloadURL,
		Error:       req.Error,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) ListBuildJobs(c *gin.Context) {
	var page pagination.Page
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.buildSvc.ListJobs(c.Request.Context(), buildjobdomain.ListRequest{
		StoreID: storeIDFrom(c),
		Page:    page,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Jobs, "page_info": resp.PageInfo})
}

func (s *Server) GetBuildJob(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, buildjobdomain.ErrInvalidJob)
		return
	}

	job, err := s.buildSvc.GetJob(c.Request.Context(), storeIDFrom(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": job})
}
