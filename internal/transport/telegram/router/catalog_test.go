package router

import (
	"context"
	"strings"
	"testing"
)

func TestTelegramName(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want string }{
		{"List", "list"},
		{"jobs-list", "jobs_list"},
		{"  __x__ ", "x"},
		{"1st", "cmd_1st"},
		{"!!!", ""},
		{"abcdefghijklmnopqrstuvwxyz0123456789", "abcdefghijklmnopqrstuvwxyz012345"},
	}
	for _, tc := range cases {
		if got := telegramName(tc.in); got != tc.want {
			t.Fatalf("telegramName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCatalogLookupAndMenu(t *testing.T) {
	t.Parallel()
	h := func(context.Context, *Request) error { return nil }
	cat := newCatalog([]Command{
		{Name: "stats", Description: "show stats", Access: AccessOwnerOnly, Handle: h},
		{Name: "list", Aliases: []string{"ls", "stats"}, Description: "list jobs", Access: AccessOwnerOnly, Handle: h},
		{Name: "help", Description: "show help", Handle: h},
		{Name: "create", Description: "create   a\njob", Access: AccessOwnerOnly, Handle: h},
		{Name: "broken"},
	})

	if c, ok := cat.lookup("/LS"); !ok || c.Name != "list" {
		t.Fatalf("lookup ls = %+v %v", c, ok)
	}
	if c, _ := cat.lookup("stats"); c.Name != "stats" {
		t.Fatalf("alias shadowed a name: %q", c.Name)
	}
	if _, ok := cat.lookup("broken"); ok {
		t.Fatal("command without handler registered")
	}

	menu := cat.menu()
	var names []string
	for _, m := range menu {
		names = append(names, m.Command)
	}
	if got := strings.Join(names, ","); got != "help,create,list,stats" {
		t.Fatalf("menu order = %s", got)
	}
	if menu[1].Description != "[owner] create a job" {
		t.Fatalf("description = %q", menu[1].Description)
	}
	if idx := cat.helpIndex(); !strings.Contains(idx, "<code>/create</code>") {
		t.Fatalf("help index = %q", idx)
	}
}
