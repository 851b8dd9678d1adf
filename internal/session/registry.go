package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/dshills/faultline/internal/config"
	"github.com/dshills/faultline/internal/logging"
)

// Status is one registry entry's summary.
type Status struct {
	// Name is the session name.
	Name string
	// State is the session's lifecycle state.
	State State
	// Faulted reports the Stopped sub-state.
	Faulted bool
	// ELFPath is the target binary.
	ELFPath string
	// Architecture is the detected architecture name.
	Architecture string
	// GDBPort and QMPPort are the session's allocated ports.
	GDBPort int
	QMPPort int
}

// Registry tracks named debug sessions and allocates their ports.
//
// Names are unique among live sessions; a terminated session's name can
// be reused. Ports are allocated monotonically from the configured base
// and never handed out twice, so restarting sessions cannot collide
// with ones still holding their listeners.
type Registry struct {
	cfg  *config.Config
	log  *logging.Logger
	opts []Option

	mu          sync.Mutex
	sessions    map[string]*Session
	nextGDBPort int
	nextQMPPort int
}

// NewRegistry creates a registry over the given configuration. opts are
// applied to every session it creates.
func NewRegistry(cfg *config.Config, log *logging.Logger, opts ...Option) *Registry {
	if log == nil {
		log = logging.Null
	}
	return &Registry{
		cfg:         cfg,
		log:         log,
		opts:        opts,
		sessions:    make(map[string]*Session),
		nextGDBPort: cfg.Machine.GDBPort,
		nextQMPPort: cfg.Machine.QMPPort,
	}
}

// Create builds and starts a session for the given target.
//
// An empty name is derived from the ELF file name and uniquified. Zero
// ports in cfg are auto-allocated. A live session already holding the
// name is rejected with ErrSessionExists; a terminated one is replaced.
// A session whose Start fails is not registered.
func (r *Registry) Create(ctx context.Context, name string, cfg Config) (*Session, error) {
	if _, err := os.Stat(cfg.ELFPath); err != nil {
		return nil, fmt.Errorf("target binary: %w", err)
	}

	r.mu.Lock()
	if name == "" {
		name = r.uniqueName(elfStem(cfg.ELFPath))
	} else if existing, ok := r.sessions[name]; ok {
		if existing.State() != StateTerminated {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrSessionExists, name)
		}
		delete(r.sessions, name)
	}

	if cfg.GDBPort == 0 {
		cfg.GDBPort = r.nextGDBPort
		r.nextGDBPort++
	}
	if cfg.QMPPort == 0 {
		cfg.QMPPort = r.nextQMPPort
		r.nextQMPPort++
	}
	r.fillDefaults(&cfg)
	r.mu.Unlock()

	sess, err := New(name, cfg, append([]Option{WithLogger(r.log.WithSession(name))}, r.opts...)...)
	if err != nil {
		return nil, err
	}
	if err := sess.Start(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	// Re-check: a racing Create may have taken the name while we started.
	if existing, ok := r.sessions[name]; ok && existing.State() != StateTerminated {
		r.mu.Unlock()
		_ = sess.Stop(ctx)
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, name)
	}
	r.sessions[name] = sess
	r.mu.Unlock()

	return sess, nil
}

// fillDefaults completes a session config from the registry's
// configuration. Caller holds r.mu.
func (r *Registry) fillDefaults(cfg *Config) {
	if cfg.Machine == "" {
		cfg.Machine = r.cfg.Machine.Model
	}
	if cfg.CPU == "" {
		cfg.CPU = r.cfg.Machine.CPU
	}
	if cfg.Memory == "" {
		cfg.Memory = r.cfg.Machine.Memory
	}
	if cfg.QEMUPath == "" {
		cfg.QEMUPath = r.cfg.QEMUPath(cfg.CPU, cfg.Machine)
	}
	if cfg.GDBPath == "" {
		cfg.GDBPath = r.cfg.GDBPath
	}
	if len(cfg.ExtraArgs) == 0 {
		cfg.ExtraArgs = r.cfg.Machine.ExtraArgs
	}
}

// uniqueName derives a free session name from base. Caller holds r.mu.
func (r *Registry) uniqueName(base string) string {
	name := base
	for i := 1; ; i++ {
		existing, ok := r.sessions[name]
		if !ok || existing.State() == StateTerminated {
			return name
		}
		name = fmt.Sprintf("%s_%d", base, i)
	}
}

// elfStem is the binary file name without its extension.
func elfStem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Get returns a session by name.
func (r *Registry) Get(name string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	return sess, nil
}

// Remove stops a session and drops it from the registry.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	sess, ok := r.sessions[name]
	if ok {
		delete(r.sessions, name)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	return sess.Stop(ctx)
}

// List summarizes every registered session, sorted by name.
func (r *Registry) List() []Status {
	r.mu.Lock()
	sessions := maps.Values(r.sessions)
	r.mu.Unlock()

	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		cfg := s.Config()
		out = append(out, Status{
			Name:         s.Name,
			State:        s.State(),
			Faulted:      s.Faulted(),
			ELFPath:      cfg.ELFPath,
			Architecture: s.Target().Name(),
			GDBPort:      cfg.GDBPort,
			QMPPort:      cfg.QMPPort,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// StopAll stops every session and empties the registry.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	sessions := maps.Values(r.sessions)
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		if err := s.Stop(ctx); err != nil {
			r.log.Warn("stopping session %s: %v", s.Name, err)
		}
	}
}
