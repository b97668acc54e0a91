package application

import (
	"bytes"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// maxNotesRunes bounds the release-notes excerpt in a notification.
const maxNotesRunes = 1200

var (
	mdRenderer = goldmark.New(goldmark.WithExtensions(extension.GFM))

	// telegramPolicy keeps only the tags Telegram's HTML parse mode accepts.
	telegramPolicy = newTelegramPolicy()

	plainPolicy = bluemonday.StrictPolicy()

	// blockBreaks turns block-level closing tags into line breaks before the
	// tags themselves are stripped.
	blockBreaks = strings.NewReplacer(
		"</p>", "\n",
		"</li>", "\n",
		"<li>", "• ",
		"</h1>", "\n",
		"</h2>", "\n",
		"</h3>", "\n",
		"</h4>", "\n",
		"</h5>", "\n",
		"</h6>", "\n",
		"<br>", "\n",
		"<br />", "\n",
		"<hr>", "\n",
		"<hr />", "\n",
		"</tr>", "\n",
	)

	headingOpen = regexp.MustCompile(`<h[1-6][^>]*>`)
	blankRuns   = regexp.MustCompile(`\n{3,}`)
)

func newTelegramPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("b", "strong", "i", "em", "u", "s", "del", "code", "pre", "blockquote")
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https")
	p.RequireParseableURLs(true)
	return p
}

// renderNotes converts Markdown release notes to Telegram-safe HTML. Headings
// become bold lines and list items become bullets. Returns "" for empty input.
func renderNotes(src string) string {
	src = strings.TrimSpace(src)
	if src == "" {
		return ""
	}
	src = truncateRunes(src, maxNotesRunes)

	var buf bytes.Buffer
	if err := mdRenderer.Convert([]byte(src), &buf); err != nil {
		return html.EscapeString(src)
	}

	out := headingOpen.ReplaceAllString(buf.String(), "<b>")
	out = strings.NewReplacer("</h1>", "</b></h1>", "</h2>", "</b></h2>", "</h3>", "</b></h3>",
		"</h4>", "</b></h4>", "</h5>", "</b></h5>", "</h6>", "</b></h6>").Replace(out)
	out = blockBreaks.Replace(out)
	out = telegramPolicy.Sanitize(out)
	out = blankRuns.ReplaceAllString(out, "\n\n")

	return strings.TrimSpace(out)
}

// toPlain strips every tag from Telegram HTML and decodes entities.
func toPlain(htmlText string) string {
	return strings.TrimSpace(html.UnescapeString(plainPolicy.Sanitize(htmlText)))
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n])) + "…"
}
