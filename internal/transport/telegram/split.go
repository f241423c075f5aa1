package telegram

import "strings"

// TextLimit stays under Telegram's 4096-char message cap with headroom
// for entity expansion.
const TextLimit = 4000

// SplitText splits long content into ordered chunks safe to send as
// separate messages. It prefers newline boundaries, then spaces, and falls
// back to a hard cut.
func SplitText(s string, limit int) []string {
	if limit <= 0 {
		limit = TextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end >= len(rs) {
			out = append(out, string(rs[start:]))
			break
		}

		cut := -1
		for i := end - 1; i > start; i-- {
			if rs[i] == '\n' {
				// Avoid producing a tiny fragment just to honor a newline.
				if i-start >= limit/3 {
					cut = i + 1
				}
				break
			}
		}
		if cut == -1 {
			for i := end - 1; i > start; i-- {
				if rs[i] == ' ' {
					if i-start >= limit/3 {
						cut = i + 1
					}
					break
				}
			}
		}
		if cut == -1 {
			cut = end
		}

		chunk := strings.TrimRight(string(rs[start:cut]), "\n ")
		if chunk != "" {
			out = append(out, chunk)
		}
		start = cut
	}
	return out
}
