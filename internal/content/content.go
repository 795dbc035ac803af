// Package content holds the localized message templates loaded from the
// localization root. A Catalog is built once per config load and is
// read-only afterwards.
package content

import (
	"fmt"
	"sort"
	"strings"
	"text/template"

	"castbot/internal/transport"
)

// Supported parse modes. Empty means plain text.
const (
	ParseModeHTML       = "HTML"
	ParseModeMarkdownV2 = "MarkdownV2"
)

// ButtonSpec describes one button before link values are substituted.
type ButtonSpec struct {
	Label string
	Kind  transport.ButtonKind
	Row   int
}

// ParseKind maps a target name from a localization document to a kind.
func ParseKind(s string) (transport.ButtonKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "app", "webapp":
		return transport.ButtonApp, nil
	case "channel":
		return transport.ButtonChannel, nil
	case "support", "admin":
		return transport.ButtonSupport, nil
	case "invite", "share":
		return transport.ButtonInvite, nil
	default:
		return 0, fmt.Errorf("unknown button target %q (want app, channel, support or invite)", s)
	}
}

// Template is a compiled localized message.
type Template struct {
	ID        string
	Lang      string
	Text      string
	Footer    string
	ParseMode string
	RTL       bool
	// Asset is an absolute path, empty for text-only messages.
	Asset   string
	Buttons []ButtonSpec

	body   *template.Template
	footer *template.Template
}

// Compile parses Text and Footer. Placeholders use text/template syntax
// ({{.name}}) and every referenced key must be supplied at render time.
func (t *Template) Compile() error {
	name := t.Lang + "/" + t.ID
	body, err := template.New(name).Option("missingkey=error").Parse(t.Text)
	if err != nil {
		return fmt.Errorf("template %s: %w", name, err)
	}
	t.body = body
	t.footer = nil
	if strings.TrimSpace(t.Footer) != "" {
		f, err := template.New(name + "#footer").Option("missingkey=error").Parse(t.Footer)
		if err != nil {
			return fmt.Errorf("template %s footer: %w", name, err)
		}
		t.footer = f
	}
	return nil
}

// Render fills placeholders. Values are inserted verbatim; escaping for the
// parse mode is the caller's job.
func (t *Template) Render(vars map[string]string) (string, error) {
	if t.body == nil {
		if err := t.Compile(); err != nil {
			return "", err
		}
	}
	if vars == nil {
		vars = map[string]string{}
	}
	var b strings.Builder
	if err := t.body.Execute(&b, vars); err != nil {
		return "", err
	}
	text := strings.TrimSpace(b.String())
	if t.footer != nil {
		var fb strings.Builder
		if err := t.footer.Execute(&fb, vars); err != nil {
			return "", err
		}
		if f := strings.TrimSpace(fb.String()); f != "" {
			text += "\n\n" + f
		}
	}
	return text, nil
}

// Catalog indexes templates by language then id.
type Catalog struct {
	Default string
	byLang  map[string]map[string]*Template
}

func NewCatalog(defaultLang string) *Catalog {
	return &Catalog{Default: NormalizeLang(defaultLang), byLang: map[string]map[string]*Template{}}
}

// Add stores t, replacing any template with the same (lang, id).
func (c *Catalog) Add(t *Template) {
	t.Lang = NormalizeLang(t.Lang)
	m := c.byLang[t.Lang]
	if m == nil {
		m = map[string]*Template{}
		c.byLang[t.Lang] = m
	}
	m[t.ID] = t
}

// Lookup returns the template for an exact (id, lang) pair.
func (c *Catalog) Lookup(id, lang string) (*Template, bool) {
	if c == nil {
		return nil, false
	}
	t, ok := c.byLang[NormalizeLang(lang)][id]
	return t, ok
}

func (c *Catalog) HasLanguage(lang string) bool {
	if c == nil {
		return false
	}
	_, ok := c.byLang[NormalizeLang(lang)]
	return ok
}

func (c *Catalog) Languages() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.byLang))
	for l := range c.byLang {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Templates returns every template, ordered by language then id.
func (c *Catalog) Templates() []*Template {
	var out []*Template
	for _, l := range c.Languages() {
		ids := make([]string, 0, len(c.byLang[l]))
		for id := range c.byLang[l] {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			out = append(out, c.byLang[l][id])
		}
	}
	return out
}

// NormalizeLang lowercases a language tag and uses "-" as the separator.
func NormalizeLang(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
}

// BaseLang strips the region from a tag: "pt-br" -> "pt".
func BaseLang(s string) string {
	s = NormalizeLang(s)
	if i := strings.IndexByte(s, '-'); i > 0 {
		return s[:i]
	}
	return s
}
