package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBodyBytes = 1 << 20

// HandlePaymentWebhook hands the raw body to the webhook service untouched;
// signature checks need the exact bytes the provider signed.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))

	payload, err := readWebhookBody(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	outcome, err := s.webhookSvc.IngestWebhook(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.log.Debug("payment webhook acknowledged",
		zap.String("provider", provider),
		zap.Int("bytes", len(payload)),
		zap.String("outcome", string(outcome)),
	)
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func readWebhookBody(c *gin.Context) ([]byte, error) {
	if c.Request.ContentLength > maxWebhookBodyBytes {
		return nil, ErrPayloadTooLarge
	}
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes))
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return nil, ErrPayloadTooLarge
	case err != nil:
		return nil, invalidRequestError()
	}
	return body, nil
}
