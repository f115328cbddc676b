// Package http is the host's control surface: join pages, the session
// snapshot the UI polls, the command endpoints and the relay hub socket.
package http

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mosaic/internal/adapters/relay"
	"github.com/dkeye/Mosaic/internal/app"
	"github.com/dkeye/Mosaic/internal/config"
	"github.com/dkeye/Mosaic/internal/domain"
)

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, session *domain.Session, engine *app.Engine, hub *relay.Hub, issuer *TokenIssuer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("MosaicSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	// Join entry point. An unknown or malformed session id goes back to
	// the landing page instead of a broken call screen.
	r.GET("/participant/:sessionId", func(c *gin.Context) {
		sid, err := domain.ParseSessionID(c.Param("sessionId"))
		if err != nil || sid != session.ID {
			log.Warn().Str("module", "adapters.http").Str("raw", c.Param("sessionId")).Msg("join with invalid session id")
			c.Redirect(http.StatusFound, "/")
			return
		}
		hints := domain.ParseDeviceHints(c.Request.URL.Query())
		participant := domain.ParticipantID(c.GetString("client_token"))
		token, err := issuer.Issue(sid, participant)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.SetCookie("jt", token, int(cfg.TokenTTL.Seconds()), "/", "", false, true)
		log.Info().
			Str("module", "adapters.http").
			Str("participant", string(participant)).
			Bool("force_mobile", hints.ForceMobile).
			Msg("participant joining")
		c.File(cfg.StaticPath + "/participant.html")
	})

	r.GET("/ws/relay/:sessionId", hub.Handle)

	api := r.Group("/api")

	api.GET("/session", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"sessionId": session.ID,
			"joinUrl":   session.JoinURL(cfg.Origin),
			"capacity":  session.Capacity,
			"state":     engine.Snapshot(),
		})
	})

	api.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, engine.Stats().Snapshot())
	})

	// Host commands. All keyed by participant id; unknown ids are 404s.
	api.POST("/select/:id", command(func(id domain.ParticipantID) error {
		return engine.SelectParticipant(id)
	}))
	api.POST("/remove/:id", command(func(id domain.ParticipantID) error {
		return engine.RemoveParticipant(id)
	}))
	api.POST("/retry/:id", command(func(id domain.ParticipantID) error {
		return engine.RetryConnection(id)
	}))
	api.POST("/recover/:id", command(func(id domain.ParticipantID) error {
		return engine.RecoverVideo(id)
	}))
	api.POST("/reconnect", func(c *gin.Context) {
		engine.ForceReconnectAll()
		c.Status(http.StatusNoContent)
	})

	return r
}

func command(fn func(domain.ParticipantID) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := domain.ParticipantID(c.Param("id"))
		if err := fn(id); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
