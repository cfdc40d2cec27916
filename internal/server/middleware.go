package server

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

const contextStoreIDKey = "store_id"

var errInvalidID = errors.New("invalid_id")

// pathID reads a positive snowflake ID from the named route parameter.
func pathID(c *gin.Context, name string) (snowflake.ID, error) {
	raw := strings.TrimSpace(c.Param(name))
	if raw == "" {
		return 0, errInvalidID
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return 0, errInvalidID
	}
	return id, nil
}

// StoreContext parses :store_id once for the handlers below it.
func StoreContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		storeID, err := pathID(c, "store_id")
		if err != nil {
			AbortWithError(c, newValidationError("store_id", "invalid_store_id", "invalid store_id"))
			return
		}
		c.Set(contextStoreIDKey, storeID)
		c.Next()
	}
}

func storeIDFrom(c *gin.Context) snowflake.ID {
	if value, ok := c.Get(contextStoreIDKey); ok {
		if id, ok := value.(snowflake.ID); ok {
			return id
		}
	}
	return 0
}

// CallbackAuth requires the shared bearer secret when one is configured.
func (s *Server) CallbackAuth() gin.HandlerFunc {
	secret := strings.TrimSpace(s.cfg.Build.CallbackSecret)
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(secret)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}
