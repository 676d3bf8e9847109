package api

import (
	"net/http"
	"time"

	"computeruse/internal/auth"
	"computeruse/internal/bridge"
	"computeruse/internal/cache"
	"computeruse/internal/eventbus"
	"computeruse/internal/resilience"
	"computeruse/internal/session"

	"github.com/gin-gonic/gin"
)

// Deps 是路由依赖的组件，Cache、Breakers 与 Artifacts 可以为空
type Deps struct {
	Sessions  *session.SessionManager
	Gate      *auth.Gate
	Hub       *bridge.Hub
	Bus       eventbus.EventBus
	Cache     *cache.Cache
	Breakers  *resilience.Registry
	Artifacts *bridge.ArtifactStore
	PublicURL string
}

func NewRouter(d Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// Global health check
	r.GET("/health", func(c *gin.Context) {
		resp := HealthResponse{
			Status:         "ok",
			Timestamp:      formatTime(time.Now()),
			ActiveSessions: len(d.Sessions.ActiveSessionIDs()),
			Bridges:        d.Hub.Bridges(),
		}
		if d.Breakers != nil {
			resp.Circuits = d.Breakers.Snapshots()
			for _, snap := range resp.Circuits {
				if snap.State != resilience.StateClosed {
					resp.Status = "degraded"
				}
			}
		}
		c.JSON(http.StatusOK, resp)
	})

	sessionHandler := NewSessionHandler(d.Sessions, d.PublicURL)
	eventsHandler := NewEventsHandler(d.Sessions, d.Bus)
	streamHandler := NewStreamHandler(d.Sessions, d.Hub)
	quotaHandler := NewQuotaHandler(d.Gate, d.Cache)
	artifactHandler := NewArtifactHandler(d.Sessions, d.Artifacts)

	requireKey := AuthMiddleware(d.Gate, auth.OpRequest)

	v1 := r.Group("/api/v1")
	{
		sessions := v1.Group("/sessions")
		{
			sessions.POST("", AuthMiddleware(d.Gate, auth.OpCreateSession), sessionHandler.CreateSession)
			sessions.GET("", requireKey, sessionHandler.ListSessions)
			sessions.GET("/:id", requireKey, sessionHandler.GetSession)
			sessions.DELETE("/:id", requireKey, sessionHandler.TerminateSession)
			sessions.GET("/:id/wait", requireKey, sessionHandler.WaitReady)
			sessions.GET("/:id/events", requireKey, eventsHandler.StreamEvents)
			sessions.GET("/:id/stream", AuthMiddleware(d.Gate, auth.OpStream), streamHandler.Stream)
			sessions.GET("/:id/journal", requireKey, artifactHandler.Journal)
			sessions.GET("/:id/frames/:digest", requireKey, artifactHandler.Frame)
		}

		v1.GET("/quota", requireKey, quotaHandler.GetQuota)
		v1.GET("/cache/stats", requireKey, quotaHandler.CacheStats)
	}

	return r
}
