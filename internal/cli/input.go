// Package cli handles cmd line input for linking queries interactively, mostly for debugging and testing
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"

	internalErrors "github.com/bastiangx/entityserve/internal/errors"
	"github.com/bastiangx/entityserve/pkg/segment"
)

// Modes accepted by the handler.
const (
	ModeDP   = "dp"
	ModeTopK = "topk"
)

var (
	spanStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
	scoreStyle = lipgloss.NewStyle().Faint(true)
	nameStyle  = lipgloss.NewStyle().Italic(true)
)

// Options holds the REPL settings. They can be changed at the prompt with
// ":mode", ":threshold" and ":k".
type Options struct {
	Mode        string
	Threshold   float64
	K           int
	MaxQueryLen int
	ShowNames   bool
}

// InputHandler reads one query per line and prints the linked spans.
type InputHandler struct {
	linker       segment.ILinker
	opts         Options
	requestCount int
}

// NewInputHandler handles initialization of the InputHandler with basic
// parameters. An empty mode means dp; any other unknown mode is an error.
func NewInputHandler(linker segment.ILinker, opts Options) (*InputHandler, error) {
	opts.Mode = strings.ToLower(strings.TrimSpace(opts.Mode))
	if opts.Mode == "" {
		opts.Mode = ModeDP
	}
	if !validMode(opts.Mode) {
		return nil, fmt.Errorf("%w: unknown mode %q, want dp or topk", internalErrors.ErrInvalidInput, opts.Mode)
	}
	if opts.K < 1 {
		opts.K = 1
	}
	return &InputHandler{linker: linker, opts: opts}, nil
}

func validMode(mode string) bool {
	return mode == ModeDP || mode == ModeTopK
}

// Options returns the current settings.
func (h *InputHandler) Options() Options {
	return h.opts
}

// Start reads queries from in until EOF and writes results to out. Linker
// errors are reported and the loop continues; read and write errors end it.
func (h *InputHandler) Start(ctx context.Context, in io.Reader, out io.Writer) error {
	log.Debug("EntityServe CLI started", "mode", h.opts.Mode, "threshold", h.opts.Threshold, "k", h.opts.K)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var err error
		if strings.HasPrefix(line, ":") {
			err = h.handleCommand(line, out)
		} else {
			err = h.handleInput(ctx, line, out)
		}
		if err != nil {
			return err
		}
	}
	return scanner.Err()
}

// handleCommand applies a ":name value" setting change.
func (h *InputHandler) handleCommand(line string, out io.Writer) error {
	name, value, _ := strings.Cut(strings.TrimPrefix(line, ":"), " ")
	value = strings.TrimSpace(value)
	switch name {
	case "mode":
		if !validMode(value) {
			log.Errorf("Unknown mode %q, want dp or topk", value)
			return nil
		}
		h.opts.Mode = value
	case "threshold", "t":
		t, err := strconv.ParseFloat(value, 64)
		if err != nil {
			log.Errorf("Invalid threshold %q: %v", value, err)
			return nil
		}
		h.opts.Threshold = t
	case "k":
		k, err := strconv.Atoi(value)
		if err != nil || k < 1 {
			log.Errorf("Invalid k %q", value)
			return nil
		}
		h.opts.K = k
	default:
		log.Errorf("Unknown command %q", name)
		return nil
	}
	_, err := fmt.Fprintf(out, "mode=%s threshold=%g k=%d\n", h.opts.Mode, h.opts.Threshold, h.opts.K)
	return err
}

// handleInput links one query and prints one line per span.
func (h *InputHandler) handleInput(ctx context.Context, query string, out io.Writer) error {
	h.requestCount++
	if h.opts.MaxQueryLen > 0 && len(query) > h.opts.MaxQueryLen {
		log.Errorf("Query too long: %d bytes, max %d", len(query), h.opts.MaxQueryLen)
		return nil
	}

	start := time.Now()
	var segs []segment.Segment
	switch h.opts.Mode {
	case ModeTopK:
		cands, err := h.linker.TopK(ctx, query, h.opts.K)
		if err != nil {
			log.Errorf("Query %q failed: %v", query, err)
			return nil
		}
		for _, c := range cands {
			segs = append(segs, c.Segment)
		}
	default:
		var err error
		segs, err = h.linker.Segment(ctx, query, h.opts.Threshold)
		if err != nil {
			log.Errorf("Query %q failed: %v", query, err)
			return nil
		}
	}
	log.Debugf("Took [ %v ] for query #%d %q", time.Since(start), h.requestCount, query)

	if len(segs) == 0 {
		_, err := fmt.Fprintf(out, "no entities found in %q\n", query)
		return err
	}
	for i, seg := range segs {
		var id uint32
		if seg.Entity != nil {
			id = seg.Entity.ID
		}
		line := fmt.Sprintf("%2d. %-32s %10d  %s", i+1, spanStyle.Render(seg.Text), id,
			scoreStyle.Render(strconv.FormatFloat(seg.Score, 'f', 4, 64)))
		if h.opts.ShowNames && seg.Name != "" {
			line += "  " + nameStyle.Render(seg.Name)
		}
		if _, err := fmt.Fprintln(out, line); err != nil {
			return err
		}
	}
	return nil
}
