package webtransport

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// OriginPolicy is the server's default stance on cross-origin requests
// whose Origin is not explicitly listed.
type OriginPolicy int

const (
	// PolicyDenyByDefault rejects any Origin not in the allowlist.
	PolicyDenyByDefault OriginPolicy = iota
	// PolicyAllowByDefault accepts any Origin not explicitly denied.
	PolicyAllowByDefault
)

// CORSConfig configures cross-origin handling per §6 "CORS".
type CORSConfig struct {
	Allowlist     []string
	Denylist      []string
	Default       OriginPolicy
	AllowCredentials bool
	MaxAge        int // seconds; 0 defaults to 600
}

func (c CORSConfig) allowed(origin string) bool {
	for _, d := range c.Denylist {
		if strings.EqualFold(d, origin) {
			return false
		}
	}
	for _, a := range c.Allowlist {
		if strings.EqualFold(a, origin) {
			return true
		}
	}
	return c.Default == PolicyAllowByDefault
}

// preflightMiddleware intercepts OPTIONS preflight requests and answers
// them directly, echoing the requested method and headers per §6: gin-
// contrib/cors validates simple-request origins against a fixed
// AllowMethods/AllowHeaders list and can't echo arbitrary requested
// values, so preflight is handled here instead and never reaches it.
func preflightMiddleware(cfg CORSConfig) gin.HandlerFunc {
	maxAge := cfg.MaxAge
	if maxAge == 0 {
		maxAge = 600
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		if !cfg.allowed(origin) {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}

		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", c.GetHeader("Access-Control-Request-Method"))
			if reqHeaders := c.GetHeader("Access-Control-Request-Headers"); reqHeaders != "" {
				h.Set("Access-Control-Allow-Headers", reqHeaders)
			}
			if cfg.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			h.Set("Access-Control-Max-Age", strconv.Itoa(maxAge))
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		if cfg.AllowCredentials {
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		c.Next()
	}
}

// ginCORSMiddleware wires gin-contrib/cors for the simple-request path
// (non-preflight), adding the exposed handshake headers. It also sets
// Allow-Origin and Allow-Credentials, which preflightMiddleware has
// already set on the same simple requests.
func ginCORSMiddleware(cfg CORSConfig) gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: cfg.allowed,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"*"},
		ExposeHeaders: []string{
			MechanismHeader, PeerIDHeader, URLHeader,
		},
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           0,
	})
}
