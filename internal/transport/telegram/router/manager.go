package router

import (
	"context"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"watchbot/internal/runtime/supervisor"
	kit "watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

const (
	queueSize   = 256
	menuTimeout = 5 * time.Second
)

// CommandManager turns chat updates into handler calls. Handlers run on a
// fixed set of workers; a full queue answers "busy".
type CommandManager struct {
	log     logx.Logger
	adapter kit.Adapter
	sups    *SupervisorRegistry
	workers int
	queue   chan func()

	cat    atomic.Pointer[catalog]
	owners atomic.Pointer[[]int64]

	supMu sync.Mutex
	sup   *supervisor.Supervisor
}

func NewCommandManager(log logx.Logger, adapter kit.Adapter, sups *SupervisorRegistry, owners []int64) *CommandManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &CommandManager{
		log:     log,
		adapter: adapter,
		sups:    sups,
		workers: max(2, runtime.NumCPU()),
		queue:   make(chan func(), queueSize),
	}
	m.cat.Store(newCatalog(nil))
	m.SetOwners(owners)
	return m
}

// Supervisor returns the worker supervisor while DispatchLoop runs.
func (m *CommandManager) Supervisor() *supervisor.Supervisor {
	m.supMu.Lock()
	defer m.supMu.Unlock()
	return m.sup
}

// SetOwners replaces the owner list; used on config reload.
func (m *CommandManager) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	m.owners.Store(&cp)
}

func (m *CommandManager) isOwner(id int64) bool {
	for _, o := range *m.owners.Load() {
		if o == id {
			return true
		}
	}
	return false
}

// SetRegistry installs cmds plus /help and, when the adapter supports it,
// refreshes the chat's command menu in the background.
func (m *CommandManager) SetRegistry(ctx context.Context, cmds []Command) {
	all := append(append([]Command(nil), cmds...), helpCommand(m.cat.Load))
	cat := newCatalog(all)
	m.cat.Store(cat)

	up, ok := m.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	menu := cat.menu()
	go func() {
		cctx, cancel := context.WithTimeout(ctx, menuTimeout)
		defer cancel()
		if err := up.UpdateMenuCommands(cctx, menu); err != nil {
			m.log.Warn("menu update failed", logx.Err(err))
		}
	}()
}

// DispatchLoop routes updates until ctx is done or updates is closed, then
// waits briefly for running handlers.
func (m *CommandManager) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(m.log.With(logx.String("comp", "telegram.router"))))
	for i := range m.workers {
		sup.GoRestart("command.worker."+strconv.Itoa(i), m.work,
			supervisor.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	m.supMu.Lock()
	m.sup = sup
	m.supMu.Unlock()
	m.sups.Set("telegram.router", sup)
	m.log.Info("command dispatcher started", logx.Int("workers", m.workers))

	defer func() {
		m.sups.Delete("telegram.router")
		m.supMu.Lock()
		m.sup = nil
		m.supMu.Unlock()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Stop(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.route(ctx, up)
		}
	}
}

func (m *CommandManager) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-m.queue:
			fn()
		}
	}
}

func (m *CommandManager) route(ctx context.Context, up kit.Update) {
	msg := up.Message
	if up.Kind != kit.UpdateMessage || msg == nil || !strings.HasPrefix(strings.TrimSpace(msg.Text), "/") {
		return
	}
	to := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	say := func(text string) { _, _ = m.adapter.SendText(ctx, to, text, nil) }

	words, err := tokenizeCommandLine(msg.Text)
	if err != nil {
		say(errorText(err))
		return
	}
	if len(words) == 0 {
		return
	}
	name, _, _ := strings.Cut(words[0], "@")
	cmd, ok := m.cat.Load().lookup(name)
	if !ok {
		say("unknown command, try /help")
		return
	}
	if cmd.Access == AccessOwnerOnly && !m.isOwner(msg.FromID) {
		say("unauthorized")
		return
	}

	args, flags, bools := parseFlags(words[1:], cmd.isBoolFlag)
	rid := newReqID()
	req := &Request{
		Update:    up,
		Chat:      to,
		FromID:    msg.FromID,
		Command:   cmd.Name,
		Args:      args,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     rid,
		Adapter:   m.adapter,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
	}
	h := Chain(cmd.Handle, Recover(), LogRequests(), ReplyErrors(), WithTimeout(cmd.Timeout))
	select {
	case m.queue <- func() { _ = h(ctx, req) }:
	default:
		say("busy, try again")
	}
}
