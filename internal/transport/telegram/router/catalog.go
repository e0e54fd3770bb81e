package router

import (
	"regexp"
	"sort"
	"strings"

	kit "watchbot/internal/transport"
)

// Telegram bot menu limits.
const (
	menuMaxCommands = 100
	menuMaxName     = 32
	menuMaxDesc     = 256
)

var nonCommandChars = regexp.MustCompile(`[^a-z0-9_]+`)

// telegramName maps s onto [a-z0-9_]{1,32} starting with a letter, or ""
// when nothing usable is left.
func telegramName(s string) string {
	s = nonCommandChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return ""
	}
	if s[0] >= '0' && s[0] <= '9' {
		s = "cmd_" + s
	}
	if len(s) > menuMaxName {
		s = strings.TrimRight(s[:menuMaxName], "_")
	}
	return s
}

// catalog is an immutable name and alias index over a command set.
type catalog struct {
	cmds  []*Command // sorted: open commands first, then by name
	index map[string]*Command
}

func newCatalog(cmds []Command) *catalog {
	c := &catalog{index: map[string]*Command{}}
	for i := range cmds {
		cmd := cmds[i]
		name := telegramName(cmd.Name)
		if name == "" || cmd.Handle == nil {
			continue
		}
		if _, dup := c.index[name]; dup {
			continue
		}
		cmd.Name = name
		c.cmds = append(c.cmds, &cmd)
		c.index[name] = &cmd
	}
	// aliases never shadow a real name
	for _, cmd := range c.cmds {
		for _, a := range cmd.Aliases {
			if a = telegramName(a); a != "" {
				if _, taken := c.index[a]; !taken {
					c.index[a] = cmd
				}
			}
		}
	}
	sort.SliceStable(c.cmds, func(i, j int) bool {
		a, b := c.cmds[i], c.cmds[j]
		if a.Access != b.Access {
			return a.Access < b.Access
		}
		return a.Name < b.Name
	})
	return c
}

func (c *catalog) lookup(word string) (*Command, bool) {
	cmd, ok := c.index[strings.ToLower(strings.TrimPrefix(word, "/"))]
	return cmd, ok
}

// menu is the list pushed to Telegram's command menu.
func (c *catalog) menu() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, min(len(c.cmds), menuMaxCommands))
	for _, cmd := range c.cmds {
		if len(out) == menuMaxCommands {
			break
		}
		desc := strings.Join(strings.Fields(cmd.Description), " ")
		if desc == "" {
			desc = cmd.Name
		}
		if cmd.Access == AccessOwnerOnly {
			desc = "[owner] " + desc
		}
		if len(desc) > menuMaxDesc {
			desc = desc[:menuMaxDesc]
		}
		out = append(out, kit.BotCommand{Command: cmd.Name, Description: desc})
	}
	return out
}
