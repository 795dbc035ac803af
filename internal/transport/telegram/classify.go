package telegram

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"castbot/internal/delivery"
)

var retryAfterRe = regexp.MustCompile(`(?i)retry after (\d+)`)

// permanentHints are Bot API descriptions that will not change on retry.
var permanentHints = []string{
	"chat not found",
	"bot was blocked",
	"user is deactivated",
	"bot was kicked",
	"not enough rights",
	"have no rights",
	"can't parse entities",
	"message is too long",
	"wrong file",
	"button_url_invalid",
	"web_app_url_invalid",
}

// classify marks a telebot or HTTP error as transient or permanent for the
// delivery layer.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	if m := retryAfterRe.FindStringSubmatch(msg); m != nil {
		n, _ := strconv.Atoi(m[1])
		return delivery.RetryAfter(err, time.Duration(n)*time.Second)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return delivery.Transient(err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return delivery.Transient(err)
	}

	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == 429:
			return delivery.RetryAfter(err, 0)
		case te.Code >= 500:
			return delivery.Transient(err)
		case te.Code == 400, te.Code == 401, te.Code == 403, te.Code == 404:
			return delivery.Permanent(err)
		}
	}

	for _, h := range permanentHints {
		if strings.Contains(lower, h) {
			return delivery.Permanent(err)
		}
	}
	switch {
	case strings.Contains(lower, "too many requests"):
		return delivery.RetryAfter(err, 0)
	case strings.Contains(lower, "forbidden"), strings.Contains(lower, "bad request"), strings.Contains(lower, "unauthorized"):
		return delivery.Permanent(err)
	}
	return delivery.Transient(err)
}
