package r2osync

import (
	"net/http"

	"bitbucket.org/mmdatafocus/lounge_backend/config"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type callbackQuery struct {
	AccountToken string `form:"accountToken"`
	State        string `form:"state"`
}

// RegisterRoutes mounts the dashboard and provider facing endpoints.
func (s *Service) RegisterRoutes(r gin.IRouter, webhookMiddleware ...gin.HandlerFunc) {
	group := r.Group(basePath)
	group.GET("/status", s.StatusHandler())
	group.POST("/connect", s.ConnectHandler())
	group.GET("/callback", s.CallbackHandler())
	group.POST("/disconnect", s.DisconnectHandler())

	hook := append(append([]gin.HandlerFunc{}, webhookMiddleware...), s.WebhookHandler())
	group.POST("/webhook", hook...)

	if config.R2OPubSubPushEnabled() {
		r.POST(PubSubPushPath, s.PubSubPushHandler())
	}
}

func (s *Service) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status, err := s.Status(c.Request.Context())
		if err != nil {
			s.respondError(c, "StatusHandler", err)
			return
		}
		c.JSON(http.StatusOK, status)
	}
}

func (s *Service) ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := s.Connect(c.Request.Context())
		if err != nil {
			s.respondError(c, "ConnectHandler", err)
			return
		}
		http.SetCookie(c.Writer, &http.Cookie{
			Name:     stateCookieName,
			Value:    res.State,
			Path:     callbackPath,
			MaxAge:   stateCookieMaxAge,
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteLaxMode,
		})
		c.JSON(http.StatusOK, gin.H{"grantAccessUri": res.GrantAccessURI})
	}
}

func (s *Service) CallbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var q callbackQuery
		_ = c.ShouldBindQuery(&q)
		cookieState, _ := c.Cookie(stateCookieName)

		// The state is single use whatever the outcome.
		http.SetCookie(c.Writer, &http.Cookie{
			Name:     stateCookieName,
			Value:    "",
			Path:     callbackPath,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteLaxMode,
		})

		err := s.Callback(c.Request.Context(), CallbackInput{
			AccountToken: q.AccountToken,
			State:        q.State,
			CookieState:  cookieState,
		})
		if err != nil {
			reason := callbackReason(err)
			s.logger().WithFields(logrus.Fields{
				"module":   "r2osync",
				"funcName": "CallbackHandler",
				"reason":   reason,
			}).WithError(err).Warn("r2o callback failed")
			c.Redirect(http.StatusFound, s.settingsRedirect(reason))
			return
		}
		c.Redirect(http.StatusFound, s.settingsRedirect(""))
	}
}

func (s *Service) DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.Disconnect(c.Request.Context()); err != nil {
			s.respondError(c, "DisconnectHandler", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"disconnected": true})
	}
}

// respondError writes the taxonomy code only; details stay in the log.
func (s *Service) respondError(c *gin.Context, funcName string, err error) {
	status, code := httpError(err)
	entry := s.logger().WithFields(logrus.Fields{
		"module":   "r2osync",
		"funcName": funcName,
		"status":   status,
	}).WithError(err)
	if status >= http.StatusInternalServerError {
		entry.Error("r2o request failed")
	} else {
		entry.Debug("r2o request rejected")
	}
	c.JSON(status, gin.H{"error": code})
}
