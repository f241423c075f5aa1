// Package telegram adapts the transport.Adapter contract onto telebot.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "autosend/internal/transport"
	logx "autosend/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot *tele.Bot
	out atomic.Value // stores (chan<- kit.Message)

	runMu   sync.Mutex
	running bool
	pollWG  sync.WaitGroup

	// dropped counts incoming messages discarded because the consumer was
	// slower than the poll loop; reported on Stop to avoid per-update spam.
	dropped uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- kit.Message
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	// Handlers forward to the CURRENT output channel; Start() may swap it.
	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		a.forward(kit.Message{
			ID:           m.ID,
			ChatID:       m.Chat.ID,
			FromID:       m.Sender.ID,
			FromUsername: m.Sender.Username,
			Text:         m.Text,
		})
		return nil
	})
}

func (a *Adapter) forward(m kit.Message) {
	v := a.out.Load()
	out, _ := v.(chan<- kit.Message)
	if out == nil {
		return
	}
	select {
	case out <- m:
	default:
		atomic.AddUint64(&a.dropped, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Message) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}
	a.running = true
	a.out.Store(out)

	a.pollWG.Add(1)
	go func() {
		defer a.pollWG.Done()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop()
		a.log.Info("polling stopped")
	}()

	// Stop telebot when the context goes away.
	go func() {
		<-ctx.Done()
		a.bot.Stop()
	}()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Message
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if n := atomic.SwapUint64(&a.dropped, 0); n > 0 {
		a.log.Warn("incoming messages dropped (channel full)", logx.Uint64("count", n))
	}

	// telebot Stop is expected to be fast; run it async just in case.
	done := make(chan struct{})
	go func() {
		a.bot.Stop()
		a.pollWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("telegram stop timed out")
	}
	return nil
}

// SendText delivers text to a chat, splitting oversized content into
// ordered parts. The ref of the last part is returned.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if to.ChatID == 0 {
		return kit.MessageRef{}, errors.New("telegram: chat id required")
	}
	sendOpts := &tele.SendOptions{}
	if opt != nil {
		sendOpts.ParseMode = opt.ParseMode
		sendOpts.DisableWebPagePreview = opt.DisablePreview
	}
	chat := &tele.Chat{ID: to.ChatID}

	var ref kit.MessageRef
	for _, part := range SplitText(text, TextLimit) {
		if err := ctx.Err(); err != nil {
			return ref, err
		}
		msg, err := a.bot.Send(chat, part, sendOpts)
		if err != nil {
			return ref, err
		}
		ref = kit.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}
	}
	return ref, nil
}
