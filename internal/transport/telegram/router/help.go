package router

import (
	"context"
	"html"
	"strings"
)

func helpCommand(cat func() *catalog) Command {
	return Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "show help",
		Usage:       "/help [command]",
		Access:      AccessEveryone,
		Handle: func(ctx context.Context, req *Request) error {
			c := cat()
			if len(req.Args) == 0 {
				return req.ReplyHTML(ctx, c.helpIndex())
			}
			cmd, ok := c.lookup(req.Args[0])
			if !ok {
				return req.ReplyHTML(ctx, "<b>Unknown command</b>\nSend <code>/help</code> for the list.")
			}
			return req.ReplyHTML(ctx, helpFor(cmd))
		},
	}
}

func (c *catalog) helpIndex() string {
	var b strings.Builder
	b.WriteString("<b>Commands</b>\nSend <code>/help &lt;command&gt;</code> for details.\n")
	for _, cmd := range c.cmds {
		b.WriteString("\n• ")
		if cmd.Access == AccessOwnerOnly {
			b.WriteString("[owner] ")
		}
		b.WriteString("<code>/" + cmd.Name + "</code>")
		if cmd.Description != "" {
			b.WriteString(" - " + html.EscapeString(cmd.Description))
		}
	}
	return b.String()
}

func helpFor(cmd *Command) string {
	lines := []string{"<b>/" + cmd.Name + "</b>"}
	if cmd.Description != "" {
		lines = append(lines, html.EscapeString(cmd.Description))
	}
	if cmd.Access == AccessOwnerOnly {
		lines = append(lines, "<i>owner only</i>")
	}
	if cmd.Usage != "" {
		lines = append(lines, "", "<b>Usage</b>", "<code>"+html.EscapeString(cmd.Usage)+"</code>")
	}
	if len(cmd.Aliases) > 0 {
		names := make([]string, 0, len(cmd.Aliases))
		for _, a := range cmd.Aliases {
			if a = telegramName(a); a != "" {
				names = append(names, "/"+a)
			}
		}
		lines = append(lines, "", "Also: "+html.EscapeString(strings.Join(names, " ")))
	}
	return strings.Join(lines, "\n")
}
