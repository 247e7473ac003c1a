package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORSOptions mirror the cors block of the server configuration.
type CORSOptions struct {
	Origins        []string
	Methods        []string
	AllowedHeaders []string
	Credentials    bool
}

// CORS answers preflights and stamps response headers. A wildcard origin
// never advertises credentials; browsers reject that combination.
func CORS(opts CORSOptions) gin.HandlerFunc {
	wildcard := false
	for _, o := range opts.Origins {
		if o == "*" {
			wildcard = true
			break
		}
	}
	methods := strings.Join(opts.Methods, ", ")
	headers := strings.Join(opts.AllowedHeaders, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case origin == "":
			// Not a browser cross-origin request.
		case wildcard:
			c.Header("Access-Control-Allow-Origin", "*")
		case allowed(opts.Origins, origin):
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			if opts.Credentials {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}
		if methods != "" {
			c.Header("Access-Control-Allow-Methods", methods)
		}
		if headers != "" {
			c.Header("Access-Control-Allow-Headers", headers)
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func allowed(origins []string, origin string) bool {
	for _, o := range origins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
