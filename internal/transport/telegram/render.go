package telegram

import (
	"slices"
	"strings"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"castbot/internal/transport"
)

const (
	textLimit    = 4000
	captionLimit = 1024
)

// keyboard renders buttons into an inline keyboard grouped by Row. App
// buttons open as a Web App in private chats; elsewhere Telegram rejects
// web_app buttons, so they fall back to a plain URL.
func keyboard(buttons []transport.Button, private bool) *tele.ReplyMarkup {
	if len(buttons) == 0 {
		return nil
	}
	rows := map[int][]tele.InlineButton{}
	var order []int
	for _, b := range buttons {
		if b.URL == "" {
			continue
		}
		btn := tele.InlineButton{Text: b.Label, URL: b.URL}
		if b.Kind == transport.ButtonApp && private && strings.HasPrefix(b.URL, "https://") {
			btn = tele.InlineButton{Text: b.Label, WebApp: &tele.WebApp{URL: b.URL}}
		}
		if _, seen := rows[b.Row]; !seen {
			order = append(order, b.Row)
		}
		rows[b.Row] = append(rows[b.Row], btn)
	}
	if len(order) == 0 {
		return nil
	}
	slices.Sort(order)
	rm := &tele.ReplyMarkup{}
	for _, r := range order {
		rm.InlineKeyboard = append(rm.InlineKeyboard, rows[r])
	}
	return rm
}

// splitText splits long messages into chunks Telegram accepts. It prefers
// newline boundaries and avoids cutting inside an HTML tag or right after a
// MarkdownV2 escape.
func splitText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = textLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if end < len(rs) {
			switch {
			case strings.EqualFold(parseMode, "HTML"):
				lastOpen, lastClose := -1, -1
				for i := start; i < end; i++ {
					switch rs[i] {
					case '<':
						lastOpen = i
					case '>':
						lastClose = i
					}
				}
				if lastOpen > lastClose && lastOpen > start+1 {
					end = lastOpen
				}
			case strings.EqualFold(parseMode, "MarkdownV2"):
				if rs[end-1] == '\\' && end-1 > start {
					end--
				}
			}
		}

		chunk := strings.TrimRight(string(rs[start:end]), "\n")
		if chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func fitsCaption(s string) bool { return utf8.RuneCountInString(s) <= captionLimit }
