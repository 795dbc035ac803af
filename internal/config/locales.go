package config

import (
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"castbot/internal/content"
)

// localeDoc is one localization file (locales/<lang>.yaml or .json).
//
//	rtl: false
//	parse_mode: MarkdownV2
//	templates:
//	  promo:
//	    text: "..."
//	    footer: "..."
//	    asset: promo.jpg
//	    buttons:
//	      - { label: "Open", target: app }
//	      - { label: "Share", target: invite, row: 1 }
type localeDoc struct {
	RTL       bool                   `json:"rtl"`
	ParseMode string                 `json:"parse_mode"`
	Templates map[string]templateDoc `json:"templates"`
}

type templateDoc struct {
	Text      string      `json:"text"`
	Footer    string      `json:"footer"`
	ParseMode *string     `json:"parse_mode,omitempty"`
	RTL       *bool       `json:"rtl,omitempty"`
	Asset     string      `json:"asset"`
	Buttons   []buttonDoc `json:"buttons"`
}

type buttonDoc struct {
	Label  string `json:"label"`
	Target string `json:"target"`
	Row    int    `json:"row"`
}

func isLocaleFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// loadCatalog reads every localization document under root. File contents
// are fed to h so reloads can detect changes.
func loadCatalog(root, defLang, assetsRoot string, h hash.Hash64, p *problems) *content.Catalog {
	cat := content.NewCatalog(defLang)

	entries, err := os.ReadDir(root)
	if err != nil {
		p.add("localization.root", err)
		return cat
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && isLocaleFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	seen := map[string]string{}
	for _, name := range names {
		lang := content.NormalizeLang(strings.TrimSuffix(name, filepath.Ext(name)))
		field := "localization." + lang
		if prev, dup := seen[lang]; dup {
			p.addf(field, "both %s and %s define language %q", prev, name, lang)
			continue
		}
		seen[lang] = name

		path := filepath.Join(root, name)
		data, err := os.ReadFile(path)
		if err != nil {
			p.add(field, err)
			continue
		}
		_, _ = h.Write([]byte(name))
		_, _ = h.Write(data)

		var doc localeDoc
		if err := decodeStrict(path, data, &doc); err != nil {
			p.add(field, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if !validParseMode(doc.ParseMode) {
			p.addf(field+".parse_mode", "unsupported parse mode %q", doc.ParseMode)
		}

		ids := make([]string, 0, len(doc.Templates))
		for id := range doc.Templates {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			if t := buildTemplate(lang, id, doc, doc.Templates[id], assetsRoot, p); t != nil {
				cat.Add(t)
			}
		}
	}

	if !cat.HasLanguage(defLang) {
		p.addf("localization.default_language", "no localization file for default language %q in %s", defLang, root)
	}
	return cat
}

func buildTemplate(lang, id string, doc localeDoc, td templateDoc, assetsRoot string, p *problems) *content.Template {
	field := "localization." + lang + "." + id
	before := len(*p)

	t := &content.Template{
		ID:        id,
		Lang:      lang,
		Text:      td.Text,
		Footer:    td.Footer,
		ParseMode: doc.ParseMode,
		RTL:       doc.RTL,
	}
	if td.ParseMode != nil {
		t.ParseMode = *td.ParseMode
	}
	if td.RTL != nil {
		t.RTL = *td.RTL
	}
	if strings.TrimSpace(t.Text) == "" {
		p.addf(field+".text", "text required")
	}
	if !validParseMode(t.ParseMode) {
		p.addf(field+".parse_mode", "unsupported parse mode %q", t.ParseMode)
	}

	if a := strings.TrimSpace(td.Asset); a != "" {
		path := a
		if !filepath.IsAbs(path) {
			path = filepath.Join(assetsRoot, a)
		}
		st, err := os.Stat(path)
		switch {
		case err != nil:
			p.add(field+".asset", err)
		case !st.Mode().IsRegular():
			p.addf(field+".asset", "%s is not a regular file", path)
		default:
			t.Asset = path
		}
	}

	for i, b := range td.Buttons {
		bf := fmt.Sprintf("%s.buttons[%d]", field, i)
		kind, err := content.ParseKind(b.Target)
		if err != nil {
			p.add(bf+".target", err)
			continue
		}
		if strings.TrimSpace(b.Label) == "" {
			p.addf(bf+".label", "label required")
			continue
		}
		if b.Row < 0 {
			p.addf(bf+".row", "row must be >= 0")
			continue
		}
		t.Buttons = append(t.Buttons, content.ButtonSpec{Label: b.Label, Kind: kind, Row: b.Row})
	}

	if err := t.Compile(); err != nil {
		p.add(field, err)
	}
	if len(*p) != before {
		return nil
	}
	return t
}

func validParseMode(m string) bool {
	switch m {
	case "", content.ParseModeHTML, content.ParseModeMarkdownV2:
		return true
	}
	return false
}
