package notify

import "strings"

// Tags Telegram's HTML parse mode accepts. Everything else is stripped
// with its inner text kept, so a sloppy template degrades to plain text
// instead of a Bad Request.
var allowedTags = map[string]bool{
	"b": true, "i": true, "u": true, "s": true,
	"code": true, "pre": true, "a": true, "tg-spoiler": true,
}

// SanitizeHTML rewrites template output into Telegram-safe HTML:
// whitelisted tags pass through, <span class="tg-spoiler"> becomes
// <tg-spoiler>, <br> becomes a newline, every other tag is dropped
// keeping its content, and a dangling '<' is escaped.
func SanitizeHTML(in string) string {
	var b strings.Builder
	b.Grow(len(in))

	// Tracks open <span> elements so the matching </span> knows whether
	// it closes a spoiler.
	var spanStack []bool

	for i := 0; i < len(in); {
		c := in[i]
		if c != '<' {
			b.WriteByte(c)
			i++
			continue
		}
		end := strings.IndexByte(in[i:], '>')
		if end < 0 {
			b.WriteString("&lt;")
			i++
			continue
		}
		tag := in[i+1 : i+end]
		i += end + 1

		closing := strings.HasPrefix(tag, "/")
		body := strings.TrimPrefix(tag, "/")
		body = strings.TrimSuffix(body, "/")
		fields := strings.Fields(body)
		if len(fields) == 0 {
			continue
		}
		name := strings.ToLower(fields[0])

		switch {
		case name == "br":
			b.WriteByte('\n')
		case name == "span":
			if closing {
				if n := len(spanStack); n > 0 {
					if spanStack[n-1] {
						b.WriteString("</tg-spoiler>")
					}
					spanStack = spanStack[:n-1]
				}
				continue
			}
			spoiler := strings.Contains(strings.ToLower(body), "tg-spoiler")
			spanStack = append(spanStack, spoiler)
			if spoiler {
				b.WriteString("<tg-spoiler>")
			}
		case !allowedTags[name]:
			// dropped, content kept
		case closing:
			b.WriteString("</" + name + ">")
		case name == "a":
			if href := attrValue(body, "href"); href != "" {
				b.WriteString(`<a href="` + href + `">`)
			} else {
				b.WriteString("<a>")
			}
		default:
			b.WriteString("<" + name + ">")
		}
	}
	return b.String()
}

// attrValue pulls a double-quoted attribute out of a tag body.
func attrValue(body, name string) string {
	lower := strings.ToLower(body)
	idx := strings.Index(lower, name+`="`)
	if idx < 0 {
		return ""
	}
	rest := body[idx+len(name)+2:]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return ""
	}
	return rest[:end]
}
