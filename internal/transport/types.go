package transport

import (
	"context"
	"strconv"
	"strings"
)

type UpdateKind string

const (
	UpdateMessage      UpdateKind = "message"
	UpdateMemberJoined UpdateKind = "member_joined"
)

// Update is a platform event after decoding, regardless of whether it arrived
// through the webhook (push) or the long poller (pull).
type Update struct {
	ID      int
	Kind    UpdateKind
	Chat    Chat
	Message *Message
	Member  *Member
}

type Chat struct {
	ID       int64
	ThreadID int
	Type     string // "private", "group", "supergroup", "channel"
}

func (c Chat) IsChannel() bool { return c.Type == "channel" }
func (c Chat) IsPrivate() bool { return c.Type == "private" }

type Message struct {
	ID   int
	From Member
	Text string
}

type Member struct {
	ID           int64
	FirstName    string
	Username     string
	LanguageCode string
	IsBot        bool
}

// ChatTarget addresses a recipient. Username takes the "@channel" form and is
// used when ChatID is zero.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
	Username string
}

// ParseTarget accepts a numeric chat id or an "@username".
func ParseTarget(raw string) (ChatTarget, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ChatTarget{}, false
	}
	if strings.HasPrefix(s, "@") {
		if len(s) == 1 {
			return ChatTarget{}, false
		}
		return ChatTarget{Username: s}, true
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id == 0 {
		return ChatTarget{}, false
	}
	return ChatTarget{ChatID: id}, true
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 && t.Username == "" }

// Private reports whether the target is a user (positive ids are users on Telegram).
func (t ChatTarget) Private() bool { return t.ChatID > 0 }

func (t ChatTarget) String() string {
	if t.ChatID != 0 {
		return strconv.FormatInt(t.ChatID, 10)
	}
	return t.Username
}

// ButtonKind is the closed set of link targets a button may point at.
type ButtonKind int

const (
	ButtonApp ButtonKind = iota + 1
	ButtonChannel
	ButtonSupport
	ButtonInvite
)

func (k ButtonKind) String() string {
	switch k {
	case ButtonApp:
		return "app"
	case ButtonChannel:
		return "channel"
	case ButtonSupport:
		return "support"
	case ButtonInvite:
		return "invite"
	default:
		return "unknown"
	}
}

// Button is a resolved (label, target) pair handed to the renderer.
type Button struct {
	Label string
	Kind  ButtonKind
	URL   string
	Row   int
}

// OutMessage is a composed, ready-to-send payload.
type OutMessage struct {
	Text      string
	ParseMode string
	Asset     string // absolute path of an image, empty for text-only
	Buttons   []Button

	TemplateID string
	Language   string // language actually used after fallback
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Sender is the raw platform call. Errors are expected to be classified with
// the delivery package helpers by the implementation.
type Sender interface {
	SendMessage(ctx context.Context, to ChatTarget, msg OutMessage) error
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}
