package telegram

import (
	"encoding/json"
	"errors"
	"fmt"

	tele "gopkg.in/telebot.v4"

	"castbot/internal/transport"
)

var ErrEmptyUpdate = errors.New("update carries nothing castbot handles")

// DecodeUpdate parses a webhook body. A body that is valid JSON but carries
// no handled payload returns ErrEmptyUpdate; callers acknowledge it anyway so
// Telegram does not redeliver.
func DecodeUpdate(body []byte) ([]transport.Update, error) {
	var u tele.Update
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	if u.ID == 0 {
		return nil, errors.New("decode update: missing update_id")
	}
	out := convertUpdate(u)
	if len(out) == 0 {
		return nil, ErrEmptyUpdate
	}
	return out, nil
}

// convertUpdate maps one Telegram update to zero or more platform-neutral
// updates. A service message announcing several new members becomes one
// member_joined update per member.
func convertUpdate(u tele.Update) []transport.Update {
	if m := u.Message; m != nil && m.Chat != nil {
		chat := chatOf(m.Chat, m.ThreadID)
		joined := m.UsersJoined
		if len(joined) == 0 && m.UserJoined != nil {
			joined = []tele.User{*m.UserJoined}
		}
		if len(joined) > 0 {
			out := make([]transport.Update, 0, len(joined))
			for _, usr := range joined {
				member := memberOf(&usr)
				out = append(out, transport.Update{ID: u.ID, Kind: transport.UpdateMemberJoined, Chat: chat, Member: &member})
			}
			return out
		}
		if m.Text != "" {
			var from transport.Member
			if m.Sender != nil {
				from = memberOf(m.Sender)
			}
			return []transport.Update{{
				ID:      u.ID,
				Kind:    transport.UpdateMessage,
				Chat:    chat,
				Message: &transport.Message{ID: m.ID, From: from, Text: m.Text},
			}}
		}
		return nil
	}

	if cm := u.ChatMember; cm != nil && cm.Chat != nil && cm.NewChatMember != nil && cm.NewChatMember.User != nil {
		if !joinedStatus(cm.OldChatMember, cm.NewChatMember) {
			return nil
		}
		member := memberOf(cm.NewChatMember.User)
		return []transport.Update{{ID: u.ID, Kind: transport.UpdateMemberJoined, Chat: chatOf(cm.Chat, 0), Member: &member}}
	}
	return nil
}

// joinedStatus reports a transition from outside the chat to inside it.
func joinedStatus(old, cur *tele.ChatMember) bool {
	in := func(r tele.MemberStatus) bool {
		return r == tele.Member || r == tele.Administrator || r == tele.Creator || r == tele.Restricted
	}
	if cur == nil || !in(cur.Role) {
		return false
	}
	return old == nil || !in(old.Role)
}

func chatOf(c *tele.Chat, thread int) transport.Chat {
	return transport.Chat{ID: c.ID, ThreadID: thread, Type: string(c.Type)}
}

func memberOf(u *tele.User) transport.Member {
	return transport.Member{
		ID:           u.ID,
		FirstName:    u.FirstName,
		Username:     u.Username,
		LanguageCode: u.LanguageCode,
		IsBot:        u.IsBot,
	}
}
