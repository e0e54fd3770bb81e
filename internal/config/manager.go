package config

import (
	"bytes"
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	logx "watchbot/pkg/logx"
)

const (
	defaultSettle   = 250 * time.Millisecond
	validateTimeout = 5 * time.Second
	rewatchMin      = 250 * time.Millisecond
	rewatchMax      = 5 * time.Second
)

// Manager holds the committed config and republishes it when the file on
// disk changes to something valid and different.
type Manager struct {
	path   string
	settle time.Duration

	mu       sync.RWMutex
	cfg      *Config
	snapshot []byte
	log      logx.Logger
	check    func(ctx context.Context, cfg *Config) error

	subMu sync.Mutex
	subs  map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{
		path:   path,
		settle: defaultSettle,
		log:    logx.Nop(),
		subs:   map[chan *Config]struct{}{},
	}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	m.mu.Lock()
	m.log = log
	m.mu.Unlock()
}

// SetValidator adds a check a reloaded config must pass before it is
// committed. Load does not run it.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.mu.Lock()
	m.check = fn
	m.mu.Unlock()
}

func (m *Manager) read() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return Decode(m.path, b)
}

// Load reads, validates and commits the file.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.read()
	if err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *Manager) commit(cfg *Config) {
	m.mu.Lock()
	m.cfg, m.snapshot = cfg, canonical(cfg)
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Subscribe returns a channel holding at most the newest unread config.
// cancel closes it.
func (m *Manager) Subscribe() (<-chan *Config, func()) {
	ch := make(chan *Config, 1)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, ch)
			close(ch)
			m.subMu.Unlock()
		})
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- cfg
	}
}

// reload returns true when a new config was committed.
func (m *Manager) reload(ctx context.Context) bool {
	m.mu.RLock()
	log, check, prev := m.log, m.check, m.snapshot
	m.mu.RUnlock()

	cfg, err := m.read()
	if err != nil {
		log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return false
	}
	if bytes.Equal(prev, canonical(cfg)) {
		log.Debug("config unchanged", logx.String("path", m.path))
		return false
	}
	if check != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err = check(vctx, cfg)
		cancel()
		if err != nil {
			log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return false
		}
	}
	m.commit(cfg)
	m.publish(cfg)
	log.Debug("config published", logx.String("path", m.path))
	return true
}

// Watch follows the config file until ctx is done. Bursts of events are
// settled into one reload. A failed watcher is rebuilt with jittered
// backoff.
func (m *Manager) Watch(ctx context.Context) error {
	wait := rewatchMin
	for {
		started, err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if started {
			wait = rewatchMin
		}
		pause := wait + rand.N(wait/2+1)
		m.mu.RLock()
		log := m.log
		m.mu.RUnlock()
		log.Warn("config watcher restarting", logx.Duration("backoff", pause), logx.Err(err))
		wait = min(wait*2, rewatchMax)

		t := time.NewTimer(pause)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// watchOnce runs one fsnotify watcher on the config's directory. started
// reports whether it got as far as watching.
func (m *Manager) watchOnce(ctx context.Context) (started bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, errors.Wrap(err, "create watcher")
	}
	defer w.Close()

	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	if err := w.Add(dir); err != nil {
		return false, errors.Wrapf(err, "watch %s", dir)
	}

	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, errors.New("watcher events closed")
			}
			if filepath.Base(ev.Name) == name {
				settle.Reset(m.settle)
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, errors.New("watcher errors closed")
			}
			if !errors.Is(werr, fsnotify.ErrEventOverflow) {
				return true, werr
			}
			settle.Reset(m.settle)
		case <-settle.C:
			m.reload(ctx)
		}
	}
}
