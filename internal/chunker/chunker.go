// Package chunker splits document text into overlapping segments, preferring
// paragraph and sentence boundaries over hard character cuts.
package chunker

import (
	"strings"
	"unicode"
)

// DefaultChunkSize is the default number of characters per chunk.
const DefaultChunkSize = 1000

// DefaultChunkOverlap is the default number of overlapping characters.
const DefaultChunkOverlap = 200

// DefaultSeparators are tried in order; text that contains none of them is cut
// into fixed windows.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " "}

// Segment is one chunk of the source text. Offset is measured in characters (runes)
// from the start of the source text.
type Segment struct {
	Index   int
	Offset  int
	Content string
}

type Chunker struct {
	chunkSize  int
	overlap    int
	separators []string
}

// Option configures the chunker.
type Option func(*Chunker)

// WithChunkSize sets the chunk size in characters.
func WithChunkSize(size int) Option {
	return func(c *Chunker) {
		if size > 0 {
			c.chunkSize = size
		}
	}
}

// WithOverlap sets the overlap between chunks in characters.
func WithOverlap(overlap int) Option {
	return func(c *Chunker) {
		if overlap >= 0 {
			c.overlap = overlap
		}
	}
}

// WithSeparators replaces the boundary separators.
func WithSeparators(seps ...string) Option {
	return func(c *Chunker) {
		c.separators = nil
		for _, s := range seps {
			if s != "" {
				c.separators = append(c.separators, s)
			}
		}
	}
}

func New(opts ...Option) *Chunker {
	c := &Chunker{
		chunkSize:  DefaultChunkSize,
		overlap:    DefaultChunkOverlap,
		separators: DefaultSeparators,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.overlap >= c.chunkSize {
		c.overlap = c.chunkSize / 4
	}
	return c
}

func (c *Chunker) ChunkSize() int { return c.chunkSize }
func (c *Chunker) Overlap() int   { return c.overlap }

type span struct {
	start, end int
}

func (s span) size() int { return s.end - s.start }

// Split returns the segments of text. Empty or whitespace-only text yields no segments.
func (c *Chunker) Split(text string) []Segment {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	runes := []rune(text)
	spans := c.split(runes, span{0, len(runes)}, c.separators)

	segments := make([]Segment, 0, len(spans))
	prevEnd := 0
	for _, sp := range spans {
		s, e := sp.start, sp.end
		for s < e && unicode.IsSpace(runes[s]) {
			s++
		}
		for e > s && unicode.IsSpace(runes[e-1]) {
			e--
		}
		if s == e || e <= prevEnd {
			continue
		}
		// a window whose leading whitespace was trimmed can start where the previous
		// segment started; the later one covers it
		for len(segments) > 0 && s <= segments[len(segments)-1].Offset {
			segments = segments[:len(segments)-1]
		}
		segments = append(segments, Segment{Index: len(segments), Offset: s, Content: string(runes[s:e])})
		prevEnd = e
	}
	return segments
}

func (c *Chunker) split(runes []rune, sp span, seps []string) []span {
	if sp.size() <= c.chunkSize {
		return []span{sp}
	}
	for i, sep := range seps {
		pieces := splitKeep(runes, sp, []rune(sep))
		if len(pieces) > 1 {
			return c.merge(runes, pieces, seps[i+1:])
		}
	}
	return c.window(sp)
}

// merge packs consecutive pieces into chunks of at most chunkSize characters. After a
// chunk is emitted, its trailing pieces that fit in the overlap start the next chunk.
// A chunk never starts with a whitespace-only piece, so the carried tail always drops
// the emitted chunk's first content piece.
func (c *Chunker) merge(runes []rune, pieces []span, rest []string) []span {
	var out []span
	var cur []span
	curLen := 0
	fresh := false

	trimLeading := func() {
		for len(cur) > 0 && isBlank(runes, cur[0]) {
			curLen -= cur[0].size()
			cur = cur[1:]
		}
	}
	emit := func() {
		if fresh && len(cur) > 0 {
			out = append(out, span{cur[0].start, cur[len(cur)-1].end})
		}
		fresh = false
		for len(cur) > 0 && curLen > c.overlap {
			curLen -= cur[0].size()
			cur = cur[1:]
			trimLeading()
		}
	}

	for _, p := range pieces {
		if len(cur) == 0 && isBlank(runes, p) {
			continue
		}
		if p.size() > c.chunkSize {
			emit()
			cur, curLen = nil, 0
			out = append(out, c.split(runes, p, rest)...)
			continue
		}
		if curLen+p.size() > c.chunkSize {
			emit()
			for len(cur) > 0 && curLen+p.size() > c.chunkSize {
				curLen -= cur[0].size()
				cur = cur[1:]
				trimLeading()
			}
			if len(cur) == 0 && isBlank(runes, p) {
				continue
			}
		}
		cur = append(cur, p)
		curLen += p.size()
		fresh = true
	}
	emit()
	return out
}

func isBlank(runes []rune, sp span) bool {
	for _, r := range runes[sp.start:sp.end] {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// window cuts sp into fixed windows with a stride of chunkSize-overlap, stopping at the
// window that reaches the end.
func (c *Chunker) window(sp span) []span {
	stride := c.chunkSize - c.overlap
	var out []span
	for start := sp.start; ; start += stride {
		end := start + c.chunkSize
		if end >= sp.end {
			out = append(out, span{start, sp.end})
			return out
		}
		out = append(out, span{start, end})
	}
}

// splitKeep splits sp after every occurrence of sep, keeping the separator attached to
// the preceding piece so the pieces stay contiguous.
func splitKeep(runes []rune, sp span, sep []rune) []span {
	var out []span
	start := sp.start
	for i := sp.start; i+len(sep) <= sp.end; {
		if hasPrefix(runes[i:sp.end], sep) {
			i += len(sep)
			out = append(out, span{start, i})
			start = i
			continue
		}
		i++
	}
	if start < sp.end {
		out = append(out, span{start, sp.end})
	}
	return out
}

func hasPrefix(runes, prefix []rune) bool {
	if len(prefix) > len(runes) {
		return false
	}
	for i, r := range prefix {
		if runes[i] != r {
			return false
		}
	}
	return true
}
