package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/vmihailenco/msgpack/v5"

	internalErrors "github.com/bastiangx/entityserve/internal/errors"
	"github.com/bastiangx/entityserve/internal/logger"
	"github.com/bastiangx/entityserve/pkg/dictionary"
	"github.com/bastiangx/entityserve/pkg/segment"
)

// Link modes accepted in the "m" field.
const (
	ModeDP   = "dp"
	ModeTopK = "topk"
)

// StatsSource reports the corpus statistics of the served index.
type StatsSource interface {
	Stats() dictionary.CorpusStats
}

// Defaults are applied to requests that leave threshold or k unset.
type Defaults struct {
	Threshold   float64
	K           int
	MaxQueryLen int
}

// Server handles msgpack IPC for entity linking
type Server struct {
	linker   segment.ILinker
	source   StatsSource
	dec      *msgpack.Decoder
	enc      *msgpack.Encoder
	log      *log.Logger
	requests atomic.Uint64

	mu       sync.RWMutex
	defaults Defaults
}

// NewServer creates a server speaking over stdin/stdout.
func NewServer(linker segment.ILinker, source StatsSource, defaults Defaults) *Server {
	return NewServerWithIO(linker, source, defaults, os.Stdin, os.Stdout)
}

// NewServerWithIO creates a server over arbitrary streams.
func NewServerWithIO(linker segment.ILinker, source StatsSource, defaults Defaults, r io.Reader, w io.Writer) *Server {
	return &Server{
		linker:   linker,
		source:   source,
		dec:      msgpack.NewDecoder(r),
		enc:      msgpack.NewEncoder(w),
		log:      logger.New("ipc"),
		defaults: defaults,
	}
}

// SetDefaults replaces the request defaults. Safe to call while serving.
func (s *Server) SetDefaults(d Defaults) {
	s.mu.Lock()
	s.defaults = d
	s.mu.Unlock()
	s.log.Debugf("Defaults now threshold=%.3f k=%d", d.Threshold, d.K)
}

// Defaults returns the current request defaults.
func (s *Server) Defaults() Defaults {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults
}

// Start answers requests until the input ends or ctx is done. A stream that
// stops being valid msgpack cannot be resynchronized and ends the loop.
func (s *Server) Start(ctx context.Context) error {
	s.log.Debug("Starting Server.")
	if err := s.send(map[string]string{"status": "ready"}); err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		var raw msgpack.RawMessage
		if err := s.dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Debugf("Input closed after %d requests", s.requests.Load())
				return nil
			}
			s.log.Errorf("Reading request: %v", err)
			return fmt.Errorf("failed to read request: %w", err)
		}
		s.requests.Add(1)

		var req LinkRequest
		if err := msgpack.Unmarshal(raw, &req); err != nil {
			s.log.Debugf("Unmarshaling request: %v", err)
			if err := s.sendError("", "Invalid msgpack request", 400); err != nil {
				return err
			}
			continue
		}
		if err := s.handleRequest(ctx, req); err != nil {
			return err
		}
	}
}

// handleRequest dispatches on the action field. Only write failures are returned.
func (s *Server) handleRequest(ctx context.Context, req LinkRequest) error {
	switch req.Action {
	case "", "link":
		return s.handleLink(ctx, req)
	case "stats":
		return s.send(StatsResponse{
			ID:       req.ID,
			Status:   "ok",
			Stats:    s.source.Stats(),
			Requests: s.requests.Load(),
		})
	case "get_defaults":
		d := s.Defaults()
		return s.send(DefaultsResponse{ID: req.ID, Status: "ok", Threshold: d.Threshold, K: d.K})
	case "set_defaults":
		d := s.Defaults()
		if req.Threshold != nil {
			d.Threshold = *req.Threshold
		}
		if req.K != nil {
			if *req.K < 1 {
				return s.sendError(req.ID, "k must be at least 1", 400)
			}
			d.K = *req.K
		}
		s.SetDefaults(d)
		return s.send(DefaultsResponse{ID: req.ID, Status: "ok", Threshold: d.Threshold, K: d.K})
	default:
		return s.sendError(req.ID, fmt.Sprintf("Unknown action: %s", req.Action), 400)
	}
}

// handleLink validates a query, runs the requested mode and sends the spans.
func (s *Server) handleLink(ctx context.Context, req LinkRequest) error {
	d := s.Defaults()
	query := req.Query
	if strings.TrimSpace(query) == "" {
		s.log.Debug("Query is empty in request")
		return s.sendError(req.ID, "Missing 'q' parameter", 400)
	}
	if d.MaxQueryLen > 0 && len(query) > d.MaxQueryLen {
		s.log.Debug("Query is too long in request")
		return s.sendError(req.ID, fmt.Sprintf("Query exceeds maximum length of %d bytes", d.MaxQueryLen), 413)
	}

	threshold := d.Threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	k := d.K
	if req.K != nil {
		k = *req.K
	}

	start := time.Now()
	var spans []LinkedSpan
	switch req.Mode {
	case "", ModeDP:
		segs, err := s.linker.Segment(ctx, query, threshold)
		if err != nil {
			return s.sendFailure(req.ID, err)
		}
		spans = make([]LinkedSpan, 0, len(segs))
		for _, seg := range segs {
			spans = append(spans, toSpan(seg))
		}
	case ModeTopK:
		if k < 1 {
			return s.sendError(req.ID, "k must be at least 1", 400)
		}
		cands, err := s.linker.TopK(ctx, query, k)
		if err != nil {
			return s.sendFailure(req.ID, err)
		}
		spans = make([]LinkedSpan, 0, len(cands))
		for _, c := range cands {
			spans = append(spans, toSpan(c.Segment))
		}
	default:
		return s.sendError(req.ID, fmt.Sprintf("Unknown mode: %s", req.Mode), 400)
	}
	elapsed := time.Since(start)

	return s.send(LinkResponse{
		ID:        req.ID,
		Spans:     spans,
		Count:     len(spans),
		TimeTaken: elapsed.Microseconds(),
	})
}

func toSpan(seg segment.Segment) LinkedSpan {
	span := LinkedSpan{
		Start: seg.Start,
		End:   seg.End,
		Alias: seg.Alias,
		Name:  seg.Name,
		Score: seg.Score,
	}
	if seg.Entity != nil {
		span.Entity = seg.Entity.ID
	}
	return span
}

// send encodes one response frame.
func (s *Server) send(response any) error {
	if err := s.enc.Encode(response); err != nil {
		s.log.Errorf("Writing response: %v", err)
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

func (s *Server) sendError(id, message string, code int) error {
	return s.send(LinkError{ID: id, Error: message, Code: code})
}

// sendFailure reports a linker error with a status derived from its kind.
func (s *Server) sendFailure(id string, err error) error {
	code := internalErrors.StatusCode(err)
	if code >= 500 {
		s.log.Errorf("Request %s failed: %v", id, err)
	}
	return s.sendError(id, err.Error(), code)
}
