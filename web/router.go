package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stantondev/inkwell/activitypub"
	"github.com/stantondev/inkwell/db"
	"github.com/stantondev/inkwell/util"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const activityJSON = "application/activity+json; charset=utf-8"

// Server carries the dependencies of the HTTP surface.
type Server struct {
	store      *db.Store
	conf       *util.AppConfig
	log        *zap.Logger
	translator *activitypub.Translator
	processor  *activitypub.Processor
}

func NewServer(store *db.Store, conf *util.AppConfig, log *zap.Logger, translator *activitypub.Translator, processor *activitypub.Processor) *Server {
	return &Server{
		store:      store,
		conf:       conf,
		log:        log,
		translator: translator,
		processor:  processor,
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	// Stricter limit plus a 1MB body cap for the write endpoints
	apLimiter := NewRateLimiter(rate.Limit(5), 10)
	maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024)

	g.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "version": util.GetVersion()})
	})

	g.GET("/metrics", gin.WrapH(promhttp.Handler()))

	g.GET("/feed", func(c *gin.Context) {
		c.Header("Content-Type", "application/xml; charset=utf-8")
		username := c.Query("username")
		rss, err := s.GetRSS(username)
		if err != nil {
			c.Render(404, render.String{Format: ""})
		} else {
			c.Render(200, render.String{Format: rss})
		}
	})

	g.GET("/notes/:id", func(c *gin.Context) {
		c.Header("Content-Type", activityJSON)
		entryId, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(404, gin.H{"error": "Invalid note ID"})
			return
		}
		note, err := s.GetNoteObject(entryId)
		if err != nil {
			c.JSON(404, gin.H{"error": "Note not found"})
			return
		}
		if note["type"] == "Tombstone" {
			c.JSON(http.StatusGone, note)
			return
		}
		c.JSON(200, note)
	})

	g.GET("/users/:actor", func(c *gin.Context) {
		c.Header("Content-Type", activityJSON)
		actor, err := s.GetActor(c.Param("actor"))
		if err != nil {
			c.JSON(404, gin.H{"error": "not found"})
			return
		}
		c.JSON(200, actor)
	})

	g.POST("/users/:actor/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		s.processor.HandleInbox(c.Writer, c.Request, c.Param("actor"))
	})

	g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, func(c *gin.Context) {
		s.handleSharedInbox(c)
	})

	g.GET("/users/:actor/outbox", func(c *gin.Context) {
		c.Header("Content-Type", activityJSON)
		var result map[string]interface{}
		var err error
		if pageStr := c.Query("page"); pageStr != "" {
			page, convErr := strconv.Atoi(pageStr)
			if convErr != nil {
				page = 1
			}
			result, err = s.GetOutboxPage(c.Param("actor"), page)
		} else {
			result, err = s.GetOutbox(c.Param("actor"))
		}
		if err != nil {
			c.JSON(404, gin.H{"error": "not found"})
			return
		}
		c.JSON(200, result)
	})

	g.GET("/users/:actor/followers", func(c *gin.Context) {
		c.Header("Content-Type", activityJSON)
		result, err := s.GetFollowers(c.Param("actor"))
		if err != nil {
			c.JSON(404, gin.H{"error": "not found"})
			return
		}
		c.JSON(200, result)
	})

	g.GET("/users/:actor/following", func(c *gin.Context) {
		c.Header("Content-Type", activityJSON)
		result, err := s.GetFollowing(c.Param("actor"))
		if err != nil {
			c.JSON(404, gin.H{"error": "not found"})
			return
		}
		c.JSON(200, result)
	})

	g.GET("/.well-known/webfinger", func(c *gin.Context) {
		c.Header("Content-Type", "application/jrd+json; charset=utf-8")
		resource := c.Query("resource")
		if resource == "" || !strings.HasPrefix(resource, "acct:") {
			c.JSON(400, gin.H{"error": "missing acct resource"})
			return
		}
		jrd, err := s.GetWebfinger(resource)
		if err != nil {
			c.JSON(404, gin.H{"error": "not found"})
			return
		}
		c.JSON(200, jrd)
	})

	return g
}

// Serve runs the router until the listener fails.
func (s *Server) Serve() error {
	s.log.Info("starting http server",
		zap.String("host", s.conf.Conf.Host),
		zap.Int("port", s.conf.Conf.HttpPort))
	return s.Router().Run(fmt.Sprintf(":%d", s.conf.Conf.HttpPort))
}

// handleSharedInbox routes an activity POSTed to the shared inbox to the
// local user it addresses.
func (s *Server) handleSharedInbox(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.Status(400)
		return
	}

	var activity map[string]interface{}
	if err := json.Unmarshal(body, &activity); err != nil {
		c.Status(400)
		return
	}

	username := s.sharedInboxTarget(activity)
	if username == "" {
		s.log.Debug("shared inbox: no local target",
			zap.Any("type", activity["type"]))
		c.Status(202)
		return
	}

	req := c.Request.Clone(c.Request.Context())
	req.Body = io.NopCloser(bytes.NewReader(body))
	s.processor.HandleInbox(c.Writer, req, username)
}

// sharedInboxTarget finds the local username an activity addresses: first
// in to/cc, then in the object (Follow), and finally by routing posts from
// a followed actor to one of their local followers.
func (s *Server) sharedInboxTarget(activity map[string]interface{}) string {
	for _, field := range []string{"to", "cc"} {
		if list, ok := activity[field].([]interface{}); ok {
			for _, item := range list {
				if uri, ok := item.(string); ok {
					if username := s.localUsername(uri); username != "" {
						return username
					}
				}
			}
		}
	}

	if objStr, ok := activity["object"].(string); ok {
		if username := s.localUsername(objStr); username != "" {
			return username
		}
	}

	actorURI, _ := activity["actor"].(string)
	if actorURI == "" {
		return ""
	}
	err, remote := s.store.ReadRemoteAccountByURI(actorURI)
	if err != nil || remote == nil {
		return ""
	}
	err, followers := s.store.ReadFollowersOf(remote.Id)
	if err != nil || followers == nil || len(*followers) == 0 {
		return ""
	}
	err, acc := s.store.ReadAccById((*followers)[0].AccountId)
	if err != nil || acc == nil {
		return ""
	}
	return acc.Username
}

// localUsername extracts the username from a URI of the form
// https://<our-domain>/users/<name>[/...]; empty for foreign URIs.
func (s *Server) localUsername(uri string) string {
	prefix := fmt.Sprintf("https://%s/users/", s.conf.Conf.Domain)
	if !strings.HasPrefix(uri, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(uri, prefix)
	if idx := strings.Index(rest, "/"); idx > 0 {
		rest = rest[:idx]
	}
	return rest
}
