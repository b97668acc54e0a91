package telegram

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// openTag is an HTML element left open at a chunk boundary.
type openTag struct {
	name string
	raw  string // The full opening tag, attributes included.
}

// splitMessage cuts text into chunks of at most MaxMessageLength runes,
// preferring the last newline and then the last whitespace before the limit.
//
// With html set, cuts never land inside a tag or an entity, and elements
// open at a cut are closed at the end of the chunk and reopened at the start
// of the next one, so every chunk is well-formed on its own.
func splitMessage(text string, html bool) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var (
		chunks []string
		stack  []openTag
	)
	for text != "" {
		prefix := reopen(stack)
		cut, next := scanChunk(text, stack, utf8.RuneCountInString(prefix), html)

		if body := strings.TrimSpace(text[:cut]); body != "" {
			chunks = append(chunks, prefix+body+closeAll(next))
		}
		stack = next
		text = strings.TrimSpace(text[cut:])
	}

	return chunks
}

// scanChunk walks text token by token until the next token would push the
// chunk (plus closing tags) past the limit. It returns the byte offset to
// cut at and the open elements at that offset.
func scanChunk(text string, stack []openTag, used int, html bool) (int, []openTag) {
	type cutPoint struct {
		at    int
		stack []openTag
	}
	lastNewline, lastSpace := cutPoint{at: -1}, cutPoint{at: -1}

	stack = append([]openTag(nil), stack...)
	i := 0
	for i < len(text) {
		end, kind := nextToken(text, i, html)
		token := text[i:end]
		next := stack
		if kind == tokenTag {
			next = applyTag(stack, token)
		}

		width := utf8.RuneCountInString(token)
		if used+width+closersLen(next) > MaxMessageLength && i > 0 {
			break
		}

		if kind == tokenRune {
			r, _ := utf8.DecodeRuneInString(token)
			switch {
			case r == '\n':
				lastNewline = cutPoint{at: i, stack: stack}
			case unicode.IsSpace(r):
				lastSpace = cutPoint{at: i, stack: stack}
			}
		}

		used += width
		stack = next
		i = end
	}

	switch {
	case i == len(text):
		return i, stack
	case lastNewline.at > 0:
		return lastNewline.at, lastNewline.stack
	case lastSpace.at > 0:
		return lastSpace.at, lastSpace.stack
	default:
		return i, stack
	}
}

type tokenKind int

const (
	tokenRune tokenKind = iota
	tokenTag
	tokenEntity
)

// nextToken returns the end offset and kind of the token starting at i. In
// html mode a tag runs to the next '>' and an entity to its ';'.
func nextToken(text string, i int, html bool) (int, tokenKind) {
	_, size := utf8.DecodeRuneInString(text[i:])
	if !html {
		return i + size, tokenRune
	}

	switch text[i] {
	case '<':
		if j := strings.IndexByte(text[i:], '>'); j > 0 {
			return i + j + 1, tokenTag
		}
	case '&':
		if j := entityEnd(text[i:]); j > 0 {
			return i + j, tokenEntity
		}
	}
	return i + size, tokenRune
}

// entityEnd returns the length of the character reference at the start of
// s, or 0 when s does not start with one.
func entityEnd(s string) int {
	const maxEntity = 12
	for j := 1; j < len(s) && j <= maxEntity; j++ {
		c := s[j]
		switch {
		case c == ';':
			if j == 1 {
				return 0
			}
			return j + 1
		case c == '#' && j == 1:
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		default:
			return 0
		}
	}
	return 0
}

// applyTag returns the element stack after tag.
func applyTag(stack []openTag, tag string) []openTag {
	inner := strings.TrimSuffix(strings.TrimPrefix(tag, "<"), ">")
	if strings.HasSuffix(inner, "/") {
		return stack
	}

	if name, ok := strings.CutPrefix(inner, "/"); ok {
		name = tagName(name)
		for j := len(stack) - 1; j >= 0; j-- {
			if stack[j].name == name {
				return append([]openTag(nil), stack[:j]...)
			}
		}
		return stack
	}

	name := tagName(inner)
	if name == "" {
		return stack
	}
	out := make([]openTag, len(stack), len(stack)+1)
	copy(out, stack)
	return append(out, openTag{name: name, raw: tag})
}

func tagName(s string) string {
	end := strings.IndexFunc(s, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-')
	})
	if end < 0 {
		end = len(s)
	}
	return strings.ToLower(s[:end])
}

func reopen(stack []openTag) string {
	var b strings.Builder
	for _, t := range stack {
		b.WriteString(t.raw)
	}
	return b.String()
}

func closeAll(stack []openTag) string {
	var b strings.Builder
	for j := len(stack) - 1; j >= 0; j-- {
		b.WriteString("</" + stack[j].name + ">")
	}
	return b.String()
}

func closersLen(stack []openTag) int {
	n := 0
	for _, t := range stack {
		n += len(t.name) + 3
	}
	return n
}
