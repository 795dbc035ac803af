package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override the settings document.
const (
	EnvToken         = "BOT_TOKEN"
	EnvChannelID     = "CHANNEL_ID"
	EnvAdminIDs      = "ADMIN_IDS"
	EnvAdminChatID   = "ADMIN_CHAT_ID"
	EnvWebhookURL    = "WEBHOOK_URL"
	EnvWebhookSecret = "WEBHOOK_SECRET"
)

// LookupEnv matches os.LookupEnv.
type LookupEnv func(key string) (string, bool)

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// applyEnv overlays environment values on doc.
func applyEnv(doc *Document, lookup LookupEnv, p *problems) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvToken); ok {
		doc.Telegram.Token = v
	}
	if v, ok := get(EnvChannelID); ok {
		doc.Telegram.ChannelID = v
	}
	if v, ok := get(EnvAdminChatID); ok {
		doc.Telegram.AdminChatID = v
	}
	if v, ok := get(EnvAdminIDs); ok {
		ids, err := parseIDList(v)
		if err != nil {
			p.add(EnvAdminIDs, err)
		} else {
			doc.Telegram.AdminIDs = ids
		}
	}
	if v, ok := get(EnvWebhookURL); ok {
		doc.Webhook.PublicURL = v
	}
	if v, ok := get(EnvWebhookSecret); ok {
		doc.Webhook.Secret = v
	}
}

func parseIDList(s string) ([]int64, error) {
	var out []int64
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == ';' }) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
