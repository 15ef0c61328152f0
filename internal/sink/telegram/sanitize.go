package telegram

import (
	"strings"

	"golang.org/x/net/html"
)

// allowedTags is the subset of HTML that Telegram's HTML parse mode accepts.
var allowedTags = map[string]bool{
	"b": true, "strong": true, "i": true, "em": true, "u": true, "ins": true,
	"s": true, "strike": true, "del": true, "a": true, "code": true, "pre": true,
}

// Sanitize reduces an upstream description to Telegram-safe HTML and returns
// the src of every <img>, in document order. Paragraph ends and line breaks
// become newlines; every other tag is dropped while its text is kept.
func Sanitize(raw string) (string, []string) {
	var (
		b      strings.Builder
		images []string
		open   []string
	)
	z := html.NewTokenizer(strings.NewReader(raw))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// EOF or malformed input: close whatever is still open.
			for i := len(open) - 1; i >= 0; i-- {
				b.WriteString("</" + open[i] + ">")
			}
			return b.String(), images

		case html.TextToken:
			b.WriteString(html.EscapeString(string(z.Text())))

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "img":
				if src := attr(tok, "src"); src != "" {
					images = append(images, src)
				}
				continue
			case "br":
				b.WriteByte('\n')
				continue
			}
			if !allowedTags[tok.Data] || tt == html.SelfClosingTagToken {
				continue
			}
			if tok.Data == "a" {
				href := attr(tok, "href")
				if href == "" {
					// Telegram rejects <a> without href; keep the text only.
					continue
				}
				b.WriteString(`<a href="` + html.EscapeString(href) + `">`)
			} else {
				b.WriteString("<" + tok.Data + ">")
			}
			open = append(open, tok.Data)

		case html.EndTagToken:
			tok := z.Token()
			switch tok.Data {
			case "p", "br":
				b.WriteByte('\n')
				continue
			}
			if !allowedTags[tok.Data] {
				continue
			}
			idx := lastIndex(open, tok.Data)
			if idx < 0 {
				continue
			}
			// Close intervening tags and reopen them so nesting stays valid.
			// Links are not reopened since their href is gone.
			reopened := make([]string, 0, len(open)-idx-1)
			for _, t := range open[idx+1:] {
				if t != "a" {
					reopened = append(reopened, t)
				}
			}
			for i := len(open) - 1; i >= idx; i-- {
				b.WriteString("</" + open[i] + ">")
			}
			for _, t := range reopened {
				b.WriteString("<" + t + ">")
			}
			open = append(open[:idx], reopened...)
		}
	}
}

func attr(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}

func lastIndex(stack []string, tag string) int {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == tag {
			return i
		}
	}
	return -1
}
