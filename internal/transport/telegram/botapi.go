package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"
)

// AllowedUpdates are the update types castbot subscribes to in both push and
// pull mode. chat_member is required to see channel joins.
var AllowedUpdates = []string{"message", "chat_member"}

// API is a small Bot API client for the calls telebot does not expose with a
// context: webhook management and the command menu.
type API struct {
	base   string
	token  string
	client *http.Client

	menuMu   sync.Mutex
	menuHash uint64
}

func NewAPI(baseURL, token string, timeout time.Duration) *API {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = "https://api.telegram.org"
	}
	return &API{base: base, token: strings.TrimSpace(token), client: &http.Client{Timeout: timeout}}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// call posts payload as JSON. Platform errors come back as *tele.Error so
// they classify the same way as telebot's own errors.
func (a *API) call(ctx context.Context, method string, payload any, out any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/bot"+a.token+"/"+method, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		// The URL carries the token; keep it out of logs.
		return fmt.Errorf("%s: %w", method, redactErr(err, a.token))
	}
	defer resp.Body.Close()

	var r apiResponse
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("%s: http %d: undecodable response", method, resp.StatusCode)
	}
	if !r.OK || resp.StatusCode/100 != 2 {
		code := r.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		desc := r.Description
		if r.Parameters.RetryAfter > 0 {
			desc = fmt.Sprintf("%s: retry after %d", desc, r.Parameters.RetryAfter)
		}
		return fmt.Errorf("%s: %w", method, &tele.Error{Code: code, Description: desc})
	}
	if out != nil && len(r.Result) > 0 {
		return json.Unmarshal(r.Result, out)
	}
	return nil
}

// SetWebhook registers url with the platform. secret is echoed back by
// Telegram in the X-Telegram-Bot-Api-Secret-Token header.
func (a *API) SetWebhook(ctx context.Context, url, secret string) error {
	payload := map[string]any{
		"url":             url,
		"allowed_updates": AllowedUpdates,
	}
	if secret != "" {
		payload["secret_token"] = secret
	}
	return a.call(ctx, "setWebhook", payload, nil)
}

func (a *API) DeleteWebhook(ctx context.Context) error {
	return a.call(ctx, "deleteWebhook", map[string]any{"drop_pending_updates": false}, nil)
}

type WebhookInfo struct {
	URL                string `json:"url"`
	PendingUpdateCount int    `json:"pending_update_count"`
	LastErrorDate      int64  `json:"last_error_date"`
	LastErrorMessage   string `json:"last_error_message"`
}

func (a *API) WebhookInfo(ctx context.Context) (WebhookInfo, error) {
	var info WebhookInfo
	err := a.call(ctx, "getWebhookInfo", map[string]any{}, &info)
	return info, err
}

type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// SetCommands updates the command menu (setMyCommands). It only calls the
// platform when the list changed since the last successful call.
func (a *API) SetCommands(ctx context.Context, cmds []BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	list := make([]BotCommand, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		if c.Description == "" {
			c.Description = c.Command
		}
		if len(c.Description) > 256 {
			c.Description = c.Description[:256]
		}
		fmt.Fprintf(h, "%s\x00%s\x00", c.Command, c.Description)
		list = append(list, c)
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := a.call(ctx, "setMyCommands", map[string]any{"commands": list}, nil); err != nil {
		return err
	}
	a.menuHash = sum
	return nil
}

func redactErr(err error, token string) error {
	if token == "" || !strings.Contains(err.Error(), token) {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), token, "<token>"))
}
