// Package web exposes the read-only archive over HTTP: REST endpoints for
// browsing chats, messages, contacts and media, plus a websocket stream of
// sync notifications.
package web

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/warchive/internal/identity"
	"github.com/matheus3301/warchive/internal/media"
	"github.com/matheus3301/warchive/internal/status"
	"github.com/matheus3301/warchive/internal/store"
	"go.uber.org/zap"
)

// Options configures the HTTP server.
type Options struct {
	Listen   string
	PageSize int
	MediaDir string
}

// Server serves the archive API.
type Server struct {
	engine   *gin.Engine
	srv      *http.Server
	db       *store.DB
	machine  *status.Machine
	resolver *identity.Resolver
	hub      *Hub
	opts     Options
	logger   *zap.Logger
}

// NewServer builds the router. Start launches it.
func NewServer(db *store.DB, machine *status.Machine, resolver *identity.Resolver, hub *Hub, opts Options, logger *zap.Logger) *Server {
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine:   engine,
		db:       db,
		machine:  machine,
		resolver: resolver,
		hub:      hub,
		opts:     opts,
		logger:   logger,
	}

	api := engine.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/chats", s.listChats)
		api.GET("/chats/:jid/messages", s.listMessages)
		api.GET("/contacts", s.listContacts)
		api.GET("/aliases", s.listAliases)
		api.GET("/messages/:id", s.getMessage)
		api.GET("/media/:chatJid/:messageId", s.getMedia)
	}
	engine.GET("/ws", func(c *gin.Context) {
		hub.Attach(c.Writer, c.Request)
	})

	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	s.srv = &http.Server{Addr: s.opts.Listen, Handler: s.engine}
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.opts.Listen))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) getStatus(c *gin.Context) {
	stats, err := s.db.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state": s.machine.Current(),
		"stats": stats,
	})
}

func (s *Server) listChats(c *gin.Context) {
	chats, err := s.db.ListChats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

func (s *Server) listMessages(c *gin.Context) {
	jid := c.Param("jid")

	// limit=0 requests the whole chat in one response.
	if c.Query("limit") == "0" {
		msgs, err := s.db.AllMessages(jid)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"messages": msgs,
			"total":    len(msgs),
		})
		return
	}

	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(s.opts.PageSize)))
	if err != nil || limit < 1 || limit > 1000 {
		limit = s.opts.PageSize
	}

	msgs, total, err := s.db.ListMessages(jid, page, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": msgs,
		"total":    total,
		"page":     page,
		"limit":    limit,
	})
}

func (s *Server) listContacts(c *gin.Context) {
	contacts, err := s.db.AllContacts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"contacts": contacts})
}

// listAliases returns the alias-to-name map assembled from every identity
// dimension the contact table knows about.
func (s *Server) listAliases(c *gin.Context) {
	aliases, err := s.resolver.AliasMap()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"aliases": aliases})
}

func (s *Server) getMessage(c *gin.Context) {
	msg, err := s.db.GetMessage(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if msg == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	c.JSON(http.StatusOK, msg)
}

// getMedia serves a downloaded attachment. The extension is derived from
// the mimetype at download time, so the file is located by message ID
// prefix within the chat's directory.
func (s *Server) getMedia(c *gin.Context) {
	chatDir := filepath.Join(s.opts.MediaDir, media.SanitizeJID(c.Param("chatJid")))
	messageID := c.Param("messageId")

	entries, err := os.ReadDir(chatDir)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "media not found"})
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), messageID+".") {
			c.File(filepath.Join(chatDir, entry.Name()))
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "media not found"})
}
