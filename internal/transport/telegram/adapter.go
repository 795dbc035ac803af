// Package telegram implements castbot's transport on the Telegram Bot API
// with telebot: sending, long polling and webhook update decoding.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"castbot/internal/transport"
	logx "castbot/pkg/logx"
)

type Config struct {
	Token          string
	APIURL         string
	PollTimeout    time.Duration
	RequestTimeout time.Duration
}

// Adapter is the telebot-backed transport.Sender plus the pull-mode receiver.
type Adapter struct {
	cfg Config
	log logx.Logger

	// bot serves the long poller; sender has its own client bounded by
	// RequestTimeout so sends never wait on a poll-sized timeout.
	bot    *tele.Bot
	sender *tele.Bot
	poller *tele.LongPoller
	api    *API

	pollMu   sync.Mutex
	pollDone chan struct{}

	dropped atomic.Uint64
}

var _ transport.Sender = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "telegram"))

	poller := &tele.LongPoller{Timeout: cfg.PollTimeout, AllowedUpdates: AllowedUpdates}
	settings := tele.Settings{
		Token:  cfg.Token,
		Poller: poller,
		// The long-poll request must outlive the poll timeout.
		Client:  &http.Client{Timeout: cfg.PollTimeout + cfg.RequestTimeout},
		Offline: true,
		OnError: func(err error, _ tele.Context) {
			log.Warn("telegram error", logx.Err(redactErr(err, cfg.Token)))
		},
	}
	if u := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"); u != "" {
		settings.URL = u
	}
	b, err := tele.NewBot(settings)
	if err != nil {
		return nil, err
	}
	sendSettings := settings
	sendSettings.Poller = nil
	sendSettings.Client = &http.Client{Timeout: cfg.RequestTimeout}
	sb, err := tele.NewBot(sendSettings)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:    cfg,
		log:    log,
		bot:    b,
		sender: sb,
		poller: poller,
		api:    NewAPI(cfg.APIURL, cfg.Token, cfg.RequestTimeout),
	}, nil
}

// API exposes the webhook and menu client sharing this adapter's credentials.
func (a *Adapter) API() *API { return a.api }

type username string

func (u username) Recipient() string { return string(u) }

func recipient(to transport.ChatTarget) tele.Recipient {
	if to.ChatID != 0 {
		return &tele.Chat{ID: to.ChatID}
	}
	return username(to.Username)
}

func sendOptions(to transport.ChatTarget, parseMode string, noPreview bool) *tele.SendOptions {
	opt := &tele.SendOptions{ParseMode: parseMode, DisableWebPagePreview: noPreview}
	if to.ChatID != 0 {
		opt.ThreadID = to.ThreadID
	}
	return opt
}

// SendMessage sends a composed message. With an asset, the text rides as the
// photo caption when it fits; otherwise the photo goes alone and the text
// follows. The keyboard is attached to the last message sent.
func (a *Adapter) SendMessage(ctx context.Context, to transport.ChatTarget, msg transport.OutMessage) error {
	if to.IsZero() {
		return classify(errors.New("Bad Request: chat not found"))
	}
	rm := keyboard(msg.Buttons, to.Private())

	if msg.Asset != "" {
		if err := ctx.Err(); err != nil {
			return classify(err)
		}
		photo := &tele.Photo{File: tele.FromDisk(msg.Asset)}
		opt := sendOptions(to, msg.ParseMode, false)
		inline := msg.Text != "" && fitsCaption(msg.Text)
		if inline || msg.Text == "" {
			photo.Caption = msg.Text
			opt.ReplyMarkup = rm
		}
		if err := a.send(ctx, recipient(to), photo, opt); err != nil {
			return classify(err)
		}
		if inline || msg.Text == "" {
			return nil
		}
	}
	return a.sendChunks(ctx, to, msg.Text, sendOptions(to, msg.ParseMode, false), rm)
}

// SendText sends plain operator text (admin replies and reports).
func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) error {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	return a.sendChunks(ctx, to, text, sendOptions(to, opt.ParseMode, opt.DisablePreview), nil)
}

func (a *Adapter) sendChunks(ctx context.Context, to transport.ChatTarget, text string, base *tele.SendOptions, rm *tele.ReplyMarkup) error {
	chunks := splitText(text, textLimit, base.ParseMode)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return classify(err)
		}
		opt := *base
		if i == len(chunks)-1 {
			opt.ReplyMarkup = rm
		}
		if err := a.send(ctx, recipient(to), chunk, &opt); err != nil {
			return classify(err)
		}
	}
	return nil
}

// send returns when the request completes or ctx ends, whichever is first.
// An abandoned request still finishes within the sender's client timeout.
func (a *Adapter) send(ctx context.Context, to tele.Recipient, what any, opt *tele.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	errc := make(chan error, 1)
	go func() {
		_, err := a.sender.Send(to, what, opt)
		errc <- err
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll runs the long poller until ctx ends, forwarding converted updates to
// out. Updates are dropped, and counted, when out is full. Any webhook is
// removed first: Telegram refuses getUpdates while one is set. A Poll started
// while the previous poller is still inside getUpdates waits for it to exit.
func (a *Adapter) Poll(ctx context.Context, out chan<- transport.Update) error {
	// done closes once this poller has exited; the next Poll waits on it.
	done := make(chan struct{})
	a.pollMu.Lock()
	prev := a.pollDone
	a.pollDone = done
	a.pollMu.Unlock()
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			go func() {
				<-prev
				close(done)
			}()
			return ctx.Err()
		}
	}

	dctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	if err := a.api.DeleteWebhook(dctx); err != nil {
		a.log.Warn("deleteWebhook before polling failed", logx.Err(err))
	}
	cancel()

	updates := make(chan tele.Update, 64)
	stop := make(chan struct{})
	go func() {
		defer close(done)
		a.poller.Poll(a.bot, updates, stop)
	}()
	a.log.Info("polling started")

	report := time.NewTicker(5 * time.Second)
	defer report.Stop()
	for {
		select {
		case <-ctx.Done():
			close(stop)
			// The poller may still be inside a long-poll request or blocked
			// handing over an update; drain until it returns.
			go func() {
				for {
					select {
					case <-updates:
					case <-done:
						return
					}
				}
			}()
			a.flushDropped(cap(out))
			a.log.Info("polling stopped")
			return ctx.Err()
		case <-done:
			return errors.New("long poller exited")
		case u := <-updates:
			for _, up := range convertUpdate(u) {
				select {
				case out <- up:
				default:
					a.dropped.Add(1)
				}
			}
		case <-report.C:
			a.flushDropped(cap(out))
		}
	}
}

func (a *Adapter) flushDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", capacity))
	}
}
