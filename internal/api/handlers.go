// Package api exposes the entity linker over HTTP with gin.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	internalErrors "github.com/bastiangx/entityserve/internal/errors"
	"github.com/bastiangx/entityserve/internal/logger"
	"github.com/bastiangx/entityserve/pkg/dictionary"
	"github.com/bastiangx/entityserve/pkg/segment"
)

// maxBodyBytes bounds request bodies independently of the query length limit.
const maxBodyBytes = 1 << 20

// EntitySource is the part of the index the API reads directly.
type EntitySource interface {
	Stats() dictionary.CorpusStats
	Info() dictionary.Info
	Entity(id uint32) (dictionary.Entity, error)
	EntityName(id uint32) (string, error)
}

// Settings are the request defaults and limits.
type Settings struct {
	Threshold   float64
	K           int
	MaxQueryLen int
}

// API holds dependencies for API handlers.
type API struct {
	linker segment.ILinker
	index  EntitySource
	start  time.Time

	mu       sync.RWMutex
	settings Settings
}

// NewAPI creates a new API handler structure.
func NewAPI(linker segment.ILinker, index EntitySource, settings Settings) *API {
	return &API{linker: linker, index: index, settings: settings, start: time.Now()}
}

// SetSettings replaces the request defaults. Safe to call while serving.
func (api *API) SetSettings(s Settings) {
	api.mu.Lock()
	api.settings = s
	api.mu.Unlock()
}

// Settings returns the current request defaults.
func (api *API) Settings() Settings {
	api.mu.RLock()
	defer api.mu.RUnlock()
	return api.settings
}

// SetupRoutes defines all the API routes.
func SetupRoutes(router *gin.Engine, api *API) {
	router.Use(RequestIDMiddleware(), RequestSizeLimitMiddleware(maxBodyBytes), LoggerMiddleware(logger.New("http")))

	router.GET("/health", api.HealthHandler)
	router.GET("/stats", api.StatsHandler)
	router.POST("/segment", api.SegmentHandler)
	router.POST("/topk", api.TopKHandler)
	router.GET("/entities/:id", api.EntityHandler)
}

// SegmentRequest is the body of POST /segment.
type SegmentRequest struct {
	Query     string   `json:"query"`
	Threshold *float64 `json:"threshold,omitempty"`
}

// TopKRequest is the body of POST /topk.
type TopKRequest struct {
	Query string `json:"query"`
	K     *int   `json:"k,omitempty"`
}

// SegmentResponse answers POST /segment.
type SegmentResponse struct {
	Query     string            `json:"query"`
	Threshold float64           `json:"threshold"`
	Segments  []segment.Segment `json:"segments"`
	Count     int               `json:"count"`
	TookMs    float64           `json:"took_ms"`
}

// TopKResponse answers POST /topk.
type TopKResponse struct {
	Query      string                    `json:"query"`
	K          int                       `json:"k"`
	Candidates []segment.ScoredCandidate `json:"candidates"`
	Count      int                       `json:"count"`
	TookMs     float64                   `json:"took_ms"`
}

// EntityResponse answers GET /entities/:id.
type EntityResponse struct {
	dictionary.Entity
	Name string `json:"name,omitempty"`
}

// HealthHandler reports liveness.
func (api *API) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(api.start).Round(time.Second).String(),
	})
}

// StatsHandler reports corpus statistics and section sizes.
func (api *API) StatsHandler(c *gin.Context) {
	info := api.index.Info()
	c.JSON(http.StatusOK, gin.H{
		"stats":      api.index.Stats(),
		"sizes":      info.Sizes,
		"total_size": info.TotalSize,
		"mapped":     info.Mapped,
		"name_cache": info.NameCache,
	})
}

// validQuery checks the query against the current limits and reports failures.
func (api *API) validQuery(c *gin.Context, query string, s Settings) bool {
	if strings.TrimSpace(query) == "" {
		SendError(c, http.StatusBadRequest, ErrorCodeInvalidQuery, "query must not be empty")
		return false
	}
	if s.MaxQueryLen > 0 && len(query) > s.MaxQueryLen {
		SendError(c, http.StatusRequestEntityTooLarge, ErrorCodeQueryTooLong,
			"query exceeds maximum length of "+strconv.Itoa(s.MaxQueryLen)+" bytes")
		return false
	}
	return true
}

// SegmentHandler links the best segmentation of a query.
// Request Body: SegmentRequest
func (api *API) SegmentHandler(c *gin.Context) {
	var req SegmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		SendError(c, http.StatusBadRequest, ErrorCodeInvalidJSON, err.Error())
		return
	}
	s := api.Settings()
	if !api.validQuery(c, req.Query, s) {
		return
	}
	threshold := s.Threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	start := time.Now()
	segs, err := api.linker.Segment(c.Request.Context(), req.Query, threshold)
	if err != nil {
		SendFailure(c, err)
		return
	}
	if segs == nil {
		segs = []segment.Segment{}
	}
	c.JSON(http.StatusOK, SegmentResponse{
		Query:     req.Query,
		Threshold: threshold,
		Segments:  segs,
		Count:     len(segs),
		TookMs:    float64(time.Since(start).Microseconds()) / 1000,
	})
}

// TopKHandler returns the k best candidates over all spans of a query.
// Request Body: TopKRequest
func (api *API) TopKHandler(c *gin.Context) {
	var req TopKRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		SendError(c, http.StatusBadRequest, ErrorCodeInvalidJSON, err.Error())
		return
	}
	s := api.Settings()
	if !api.validQuery(c, req.Query, s) {
		return
	}
	k := s.K
	if req.K != nil {
		k = *req.K
	}
	if k < 1 {
		SendError(c, http.StatusBadRequest, ErrorCodeInvalidRequest, "k must be at least 1")
		return
	}

	start := time.Now()
	cands, err := api.linker.TopK(c.Request.Context(), req.Query, k)
	if err != nil {
		SendFailure(c, err)
		return
	}
	if cands == nil {
		cands = []segment.ScoredCandidate{}
	}
	c.JSON(http.StatusOK, TopKResponse{
		Query:      req.Query,
		K:          k,
		Candidates: cands,
		Count:      len(cands),
		TookMs:     float64(time.Since(start).Microseconds()) / 1000,
	})
}

// EntityHandler returns the stored fields and name of one entity.
func (api *API) EntityHandler(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		SendError(c, http.StatusBadRequest, ErrorCodeInvalidRequest, "entity id must be an unsigned 32-bit integer")
		return
	}
	e, err := api.index.Entity(uint32(id))
	if err != nil {
		SendFailure(c, err)
		return
	}
	name, err := api.index.EntityName(uint32(id))
	if err != nil && !errors.Is(err, internalErrors.ErrEntityNotFound) {
		SendFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, EntityResponse{Entity: e, Name: name})
}
