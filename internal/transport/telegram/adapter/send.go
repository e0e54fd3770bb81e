package adapter

import (
	"context"
	"slices"

	"github.com/cockroachdb/errors"
	tele "gopkg.in/telebot.v4"

	"watchbot/internal/notifier"
	kit "watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

// SendText splits text at the Telegram limit and sends the parts in order.
// The returned reference points at the first part.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	var o kit.SendOptions
	if opt != nil {
		o = *opt
	}
	parts := notifier.Chunk([]string{text}, notifier.TelegramMaxChars)
	if len(parts) == 0 {
		return kit.MessageRef{}, errors.New("telegram: empty message")
	}
	send := &tele.SendOptions{
		ParseMode:             tele.ParseMode(o.ParseMode),
		DisableWebPagePreview: o.DisablePreview,
		ThreadID:              to.ThreadID,
	}
	chat := &tele.Chat{ID: to.ChatID}

	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID}
	for i, part := range parts {
		if err := ctx.Err(); err != nil {
			return ref, err
		}
		msg, err := a.bot.Send(chat, part, send)
		if err != nil {
			return ref, errors.Wrapf(err, "telegram send part %d/%d", i+1, len(parts))
		}
		if i == 0 {
			ref.MessageID = msg.ID
		}
	}
	return ref, nil
}

// UpdateMenuCommands sets the bot's command menu, skipping the API call
// when the list is the one last set.
func (a *Adapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	menu := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command != "" {
			menu = append(menu, tele.Command{Text: c.Command, Description: c.Description})
		}
	}

	a.menuMu.Lock()
	defer a.menuMu.Unlock()
	if a.menu != nil && slices.Equal(a.menu, menu) {
		return nil
	}
	if err := a.bot.SetCommands(menu); err != nil {
		return errors.Wrap(err, "telegram setMyCommands")
	}
	a.menu = menu
	a.log.Info("menu commands updated", logx.Int("count", len(menu)))
	return nil
}
