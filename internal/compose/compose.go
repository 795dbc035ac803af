package compose

import (
	"errors"
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"

	"castbot/internal/content"
	"castbot/internal/transport"
)

// rtlMark is the right-to-left mark prefixed to RTL templates.
const rtlMark = "\u200f"

var (
	ErrTemplateNotFound = errors.New("template not found")
	ErrMissingLink      = errors.New("link not configured")
)

// Error describes a message that could not be composed.
type Error struct {
	TemplateID string
	Lang       string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("compose %s/%s: %v", e.Lang, e.TemplateID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Links are the configured button targets. Channel is a URL. ChannelRef is
// the link derived from the channel identifier; Invite falls back to it when
// no channel link is configured.
type Links struct {
	App        string
	Support    string
	Channel    string
	ChannelRef string
}

// Invite returns the share link for the channel.
func (l Links) Invite() string {
	base := l.Channel
	if base == "" {
		base = l.ChannelRef
	}
	if base == "" {
		return ""
	}
	return "https://t.me/share/url?url=" + url.QueryEscape(base)
}

// ChannelRef derives a t.me link from a channel identifier: the public link
// for @username, the member link for a numeric -100 channel id. Other chats
// have no link.
func ChannelRef(to transport.ChatTarget) string {
	if u := strings.TrimPrefix(strings.TrimSpace(to.Username), "@"); u != "" {
		return "https://t.me/" + u
	}
	if id := strconv.FormatInt(to.ChatID, 10); strings.HasPrefix(id, "-100") && len(id) > 4 {
		return "https://t.me/c/" + id[4:]
	}
	return ""
}

// Resolve returns the URL for a button kind or ErrMissingLink.
func (l Links) Resolve(k transport.ButtonKind) (string, error) {
	var v string
	switch k {
	case transport.ButtonApp:
		v = l.App
	case transport.ButtonChannel:
		v = l.Channel
	case transport.ButtonSupport:
		v = l.Support
	case transport.ButtonInvite:
		v = l.Invite()
	default:
		return "", fmt.Errorf("unknown button kind %d", k)
	}
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingLink, k)
	}
	return v, nil
}

// Composer turns (template id, language, substitutions) into a ready-to-send
// message. It is immutable; build a new one per config snapshot.
type Composer struct {
	catalog *content.Catalog
	links   Links
}

func New(catalog *content.Catalog, links Links) *Composer {
	return &Composer{catalog: catalog, links: links}
}

// Candidates lists the languages tried for lang, in order: exact, base, default.
func Candidates(lang, def string) []string {
	out := make([]string, 0, 3)
	add := func(l string) {
		if l == "" {
			return
		}
		for _, x := range out {
			if x == l {
				return
			}
		}
		out = append(out, l)
	}
	add(content.NormalizeLang(lang))
	add(content.BaseLang(lang))
	add(content.NormalizeLang(def))
	return out
}

// Resolve finds the template for id, falling back from the exact language to
// its base language and then the catalog default.
func (c *Composer) Resolve(id, lang string) (*content.Template, error) {
	if c.catalog == nil {
		return nil, &Error{TemplateID: id, Lang: lang, Err: ErrTemplateNotFound}
	}
	for _, l := range Candidates(lang, c.catalog.Default) {
		if t, ok := c.catalog.Lookup(id, l); ok {
			return t, nil
		}
	}
	return nil, &Error{TemplateID: id, Lang: lang, Err: ErrTemplateNotFound}
}

// Compose renders a template. Substitution values are escaped for the
// template's parse mode; a placeholder without a value is an error.
func (c *Composer) Compose(id, lang string, vars map[string]string) (transport.OutMessage, error) {
	t, err := c.Resolve(id, lang)
	if err != nil {
		return transport.OutMessage{}, err
	}

	escaped := make(map[string]string, len(vars))
	for k, v := range vars {
		escaped[k] = Escape(t.ParseMode, v)
	}
	text, err := t.Render(escaped)
	if err != nil {
		return transport.OutMessage{}, &Error{TemplateID: id, Lang: t.Lang, Err: err}
	}
	if t.RTL {
		text = rtlMark + text
	}

	buttons := make([]transport.Button, 0, len(t.Buttons))
	for _, b := range t.Buttons {
		u, err := c.links.Resolve(b.Kind)
		if err != nil {
			return transport.OutMessage{}, &Error{TemplateID: id, Lang: t.Lang, Err: err}
		}
		buttons = append(buttons, transport.Button{Label: b.Label, Kind: b.Kind, URL: u, Row: b.Row})
	}

	return transport.OutMessage{
		Text:       text,
		ParseMode:  t.ParseMode,
		Asset:      t.Asset,
		Buttons:    buttons,
		TemplateID: id,
		Language:   t.Lang,
	}, nil
}

var mdV2Special = strings.NewReplacer(
	`\`, `\\`, "_", `\_`, "*", `\*`, "[", `\[`, "]", `\]`, "(", `\(`, ")", `\)`,
	"~", `\~`, "`", "\\`", ">", `\>`, "#", `\#`, "+", `\+`, "-", `\-`, "=", `\=`,
	"|", `\|`, "{", `\{`, "}", `\}`, ".", `\.`, "!", `\!`,
)

// Escape makes s safe to embed in text sent with the given parse mode.
func Escape(mode, s string) string {
	switch mode {
	case content.ParseModeHTML:
		return html.EscapeString(s)
	case content.ParseModeMarkdownV2:
		return mdV2Special.Replace(s)
	default:
		return s
	}
}
