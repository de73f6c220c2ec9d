// Package streamparse separates inline reasoning blocks from the visible
// text of a streamed completion. Some models interleave their chain of
// thought inside <thinking>-style tags rather than a dedicated channel;
// the parser re-splits that, tolerant of tags cut across chunk
// boundaries.
package streamparse

import (
	"bytes"
	"strings"
)

type SegmentKind int

const (
	Visible SegmentKind = iota
	Reasoning
)

type Segment struct {
	Kind SegmentKind
	Text string
}

// openToClose maps the recognized opening tags to their closing forms.
// Anything else passes through untouched.
var openToClose = map[string]string{
	"<thinking>":  "</thinking>",
	"<think>":     "</think>",
	"<reasoning>": "</reasoning>",
}

var tagCandidates = []string{
	"<thinking>", "</thinking>",
	"<think>", "</think>",
	"<reasoning>", "</reasoning>",
}

// Parser is a stateful splitter. Not safe for concurrent use; each
// stream gets its own instance.
type Parser struct {
	inReasoning bool
	closeTag    string
	pending     []byte

	segments []Segment
	current  strings.Builder
	kind     SegmentKind
}

func New() *Parser { return &Parser{} }

// Feed consumes one provider chunk and returns the ordered segments it
// completed. Byte runs that may still become a recognized tag are
// withheld until a later Feed or Flush decides them.
func (p *Parser) Feed(chunk string) []Segment {
	i := 0
	for i < len(chunk) {
		if len(p.pending) == 0 {
			idx := strings.IndexByte(chunk[i:], '<')
			if idx != 0 {
				if idx < 0 {
					p.emit(chunk[i:])
					break
				}
				p.emit(chunk[i : i+idx])
				i += idx
				continue
			}
		}
		p.step(chunk[i])
		i++
	}
	return p.drain()
}

// Flush releases any withheld bytes as literal text. Call once when the
// provider stream ends.
func (p *Parser) Flush() []Segment {
	if len(p.pending) > 0 {
		buf := p.pending
		p.pending = nil
		p.emit(string(buf))
	}
	return p.drain()
}

// InReasoning reports whether the stream is inside an unclosed
// reasoning block.
func (p *Parser) InReasoning() bool { return p.inReasoning }

func (p *Parser) step(c byte) {
	if len(p.pending) == 0 {
		if c == '<' {
			p.pending = append(p.pending, c)
		} else {
			p.emit(string(c))
		}
		return
	}

	p.pending = append(p.pending, c)
	if c == '>' {
		if p.applyTag(string(p.pending)) {
			p.pending = p.pending[:0]
			return
		}
		p.flushPendingAsLiteral()
		return
	}
	if !isCandidatePrefix(p.pending) {
		p.flushPendingAsLiteral()
	}
}

func (p *Parser) applyTag(tag string) bool {
	if p.inReasoning {
		if tag == p.closeTag {
			p.inReasoning = false
			p.closeTag = ""
			return true
		}
		// A foreign close (or nested open) inside reasoning is literal.
		return false
	}
	if closeTag, ok := openToClose[tag]; ok {
		p.inReasoning = true
		p.closeTag = closeTag
		return true
	}
	return false
}

// flushPendingAsLiteral re-scans a failed candidate: its head is
// literal, but a later '<' inside it may start a fresh candidate.
func (p *Parser) flushPendingAsLiteral() {
	buf := p.pending
	p.pending = nil
	for {
		p.emit(string(buf[:1]))
		buf = buf[1:]
		if len(buf) == 0 {
			return
		}
		idx := bytes.IndexByte(buf, '<')
		if idx < 0 {
			p.emit(string(buf))
			return
		}
		p.emit(string(buf[:idx]))
		buf = buf[idx:]
		if isCandidatePrefix(buf) {
			p.pending = append(p.pending, buf...)
			return
		}
	}
}

func (p *Parser) emit(s string) {
	if s == "" {
		return
	}
	k := Visible
	if p.inReasoning {
		k = Reasoning
	}
	if p.current.Len() > 0 && p.kind != k {
		p.segments = append(p.segments, Segment{Kind: p.kind, Text: p.current.String()})
		p.current.Reset()
	}
	p.kind = k
	p.current.WriteString(s)
}

func (p *Parser) drain() []Segment {
	if p.current.Len() > 0 {
		p.segments = append(p.segments, Segment{Kind: p.kind, Text: p.current.String()})
		p.current.Reset()
	}
	segs := p.segments
	p.segments = nil
	return segs
}

func isCandidatePrefix(b []byte) bool {
	for _, cand := range tagCandidates {
		if len(b) <= len(cand) && cand[:len(b)] == string(b) {
			return true
		}
	}
	return false
}
