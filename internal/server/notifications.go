package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	notificationdomain "github.com/smallbiznis/storeforge/internal/notification/domain"
	"github.com/smallbiznis/storeforge/pkg/db/pagination"
)

type createNotificationRequest struct {
	Type    string         `json:"type"`
	Title   string         `json:"title"`
	Content string         `json:"content"`
	Data    map[string]any `json:"data"`
}

func (s *Server) CreateNotification(c *gin.Context) {
	var req createNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	notificationType, err := notificationdomain.ParseType(req.Type)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.notificationSvc.Create(c.Request.Context(), notificationdomain.CreateRequest{
		StoreID: storeIDFrom(c),
		Type:    notificationType,
		Title:   req.Title,
		Content: req.Content,
		Data:    req.Data,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListNotifications(c *gin.Context) {
	var query struct {
		pagination.Page
		Type string `form:"type"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	req := notificationdomain.ListRequest{
		StoreID: storeIDFrom(c),
		Page:    query.Page,
	}
	if strings.TrimSpace(query.Type) != "" {
		notificationType, err := notificationdomain.ParseType(query.Type)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		req.Type = &notificationType
	}

	resp, err := s.notificationSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Notifications, "page_info": resp.PageInfo})
}

func (s *Server) UnreadNotificationCount(c *gin.Context) {
	count, err := s.notificationSvc.UnreadCount(c.Request.Context(), storeIDFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"unread": count}})
}

func (s *Server) MarkNotificationRead(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, notificationdomain.ErrInvalidID)
		return
	}

	resp, err := s.notificationSvc.MarkRead(c.Request.Context(), notificationdomain.MarkReadRequest{
		ID:      id,
		StoreID: storeIDFrom(c),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) MarkAllNotificationsRead(c *gin.Context) {
	updated, err := s.notificationSvc.MarkAllRead(c.Request.Context(), storeIDFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"updated": updated}})
}

func (s *Server) DeleteNotification(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, notificationdomain.ErrInvalidID)
		return
	}

	if err := s.notificationSvc.Delete(c.Request.Context(), storeIDFrom(c), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
