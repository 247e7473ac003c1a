// Package middleware carries the gin middleware shared by the API routes:
// request signatures, IP rate limiting and CORS.
package middleware

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"pulsehub/internal/apps"
	"pulsehub/internal/auth"
)

// Signed requests stay valid this long around their auth_timestamp.
const signatureGrace = 10 * time.Minute

// Signature verifies the Pusher HMAC on /apps/:app_id routes and stores the
// resolved app in the context under "app".
func Signature(appManager apps.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		app, err := appManager.FindByID(c.Request.Context(), c.Param("app_id"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown app"})
			return
		}

		var body []byte
		if c.Request.Body != nil {
			body, err = io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
				return
			}
			// The handler still needs to bind it.
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		err = auth.VerifyAPIRequest(app.Key, app.Secret,
			c.Request.Method, c.Request.URL.Path, c.Request.URL.Query(), body, signatureGrace)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set("app", app)
		c.Next()
	}
}
