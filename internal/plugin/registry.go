package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"

	"github.com/dalnet/dunamis/internal/event"
	"github.com/dalnet/dunamis/internal/observability"
)

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// entry is one loaded plugin. barrier is read-held by every call into the
// plugin and write-held once by Unload, so teardown never overlaps a handler.
type entry struct {
	plugin Plugin
	desc   Descriptor
	pctx   *Context

	barrier sync.RWMutex
	closed  bool
}

// enter runs fn unless the plugin has been unloaded
func (e *entry) enter(ctx context.Context, fn func(ctx context.Context) error) error {
	e.barrier.RLock()
	defer e.barrier.RUnlock()
	if e.closed {
		return nil
	}
	return fn(context.WithValue(ctx, dispatchKey{}, e))
}

type dispatchKey struct{}

type commandEntry struct {
	spec  CommandSpec
	owner *entry
}

// Registry owns the loaded plugins and the subscription and command tables
// derived from them
type Registry struct {
	base    Context
	catalog map[string]Factory
	logger  *slog.Logger
	metrics *observability.Metrics

	// manage serializes Load, Unload and Shutdown
	manage sync.Mutex

	mu       sync.RWMutex
	entries  []*entry // load order
	byName   map[string]*entry
	commands map[string]*commandEntry
	gen      uint64
}

type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithCatalog makes plugins loadable by name
func WithCatalog(catalog map[string]Factory) Option {
	return func(r *Registry) {
		for name, f := range catalog {
			r.catalog[strings.ToLower(name)] = f
		}
	}
}

// NewRegistry creates an empty registry. base is copied into each plugin's Context.
func NewRegistry(base Context, opts ...Option) *Registry {
	r := &Registry{
		catalog:  make(map[string]Factory),
		logger:   slog.Default(),
		byName:   make(map[string]*entry),
		commands: make(map[string]*commandEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "registry")
	base.Registry = r
	if base.Logger == nil {
		base.Logger = r.logger
	}
	r.base = base
	return r
}

// Load validates p's descriptor, runs Init and registers its subscriptions and
// commands. On any failure the tables are left as they were.
func (r *Registry) Load(ctx context.Context, p Plugin) error {
	r.manage.Lock()
	defer r.manage.Unlock()

	desc := p.Descriptor()
	if err := validate(desc); err != nil {
		return err
	}
	key := strings.ToLower(desc.Name)

	r.mu.RLock()
	_, dup := r.byName[key]
	conflict := r.conflictLocked(desc)
	r.mu.RUnlock()
	if dup {
		return oops.Code("DUPLICATE_PLUGIN").With("plugin", desc.Name).Wrap(ErrDuplicatePlugin)
	}
	if conflict != nil {
		return conflict
	}

	e := &entry{plugin: p, desc: desc, pctx: r.base.forPlugin(desc.Name)}
	if err := r.initPlugin(ctx, e); err != nil {
		return err
	}

	r.mu.Lock()
	r.gen++
	e.desc.Generation = r.gen
	r.entries = append(r.entries, e)
	r.byName[key] = e
	for _, spec := range desc.Commands {
		r.commands[strings.ToLower(spec.Name)] = &commandEntry{spec: spec, owner: e}
	}
	n := len(r.entries)
	r.mu.Unlock()

	r.metrics.SetPluginsLoaded(n)
	r.logger.Info("plugin loaded", "plugin", desc.Name, "version", desc.Version,
		"events", len(desc.Events), "commands", len(desc.Commands), "generation", e.desc.Generation)
	return nil
}

// LoadNamed creates a plugin from the catalog and loads it
func (r *Registry) LoadNamed(ctx context.Context, name string) error {
	f, ok := r.catalog[strings.ToLower(name)]
	if !ok {
		return oops.Code("UNKNOWN_PLUGIN").With("plugin", name).Wrap(ErrUnknownPlugin)
	}
	return r.Load(ctx, f())
}

// Available lists the catalog names, sorted
func (r *Registry) Available() []string {
	names := make([]string, 0, len(r.catalog))
	for name := range r.catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) initPlugin(ctx context.Context, e *entry) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = oops.Code("INIT_FAILED").
				With("plugin", e.desc.Name).
				With("panic", fmt.Sprint(rec)).
				Wrap(ErrInitializationFailed)
		}
	}()
	if ierr := e.plugin.Init(ctx, e.pctx); ierr != nil {
		return oops.Code("INIT_FAILED").
			With("plugin", e.desc.Name).
			Wrap(fmt.Errorf("%w: %w", ErrInitializationFailed, ierr))
	}
	return nil
}

// Unload removes the plugin's subscriptions and commands, waits for calls
// already inside the plugin, then runs Teardown. A Teardown error is returned
// but the plugin stays unloaded.
func (r *Registry) Unload(ctx context.Context, name string) error {
	if inside, ok := ctx.Value(dispatchKey{}).(*entry); ok && strings.EqualFold(inside.desc.Name, name) {
		return oops.Code("SELF_UNLOAD").With("plugin", name).Wrap(ErrSelfUnload)
	}

	r.manage.Lock()
	defer r.manage.Unlock()
	return r.unloadLocked(ctx, name)
}

func (r *Registry) unloadLocked(ctx context.Context, name string) (err error) {
	key := strings.ToLower(name)

	r.mu.Lock()
	e, ok := r.byName[key]
	if !ok {
		r.mu.Unlock()
		return oops.Code("UNKNOWN_PLUGIN").With("plugin", name).Wrap(ErrUnknownPlugin)
	}
	delete(r.byName, key)
	for i, cur := range r.entries {
		if cur == e {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			break
		}
	}
	for cmd, ce := range r.commands {
		if ce.owner == e {
			delete(r.commands, cmd)
		}
	}
	r.gen++
	n := len(r.entries)
	r.mu.Unlock()
	r.metrics.SetPluginsLoaded(n)

	// wait out in-flight calls; none can start after this
	e.barrier.Lock()
	e.closed = true
	e.barrier.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			err = oops.Code("TEARDOWN_FAILED").With("plugin", e.desc.Name).Errorf("teardown panicked: %v", rec)
		}
	}()
	if terr := e.plugin.Teardown(ctx); terr != nil {
		return oops.Code("TEARDOWN_FAILED").With("plugin", e.desc.Name).Wrap(terr)
	}
	r.logger.Info("plugin unloaded", "plugin", e.desc.Name)
	return nil
}

// Shutdown unloads every plugin in reverse load order
func (r *Registry) Shutdown(ctx context.Context) error {
	r.manage.Lock()
	defer r.manage.Unlock()

	r.mu.RLock()
	names := make([]string, len(r.entries))
	for i, e := range r.entries {
		names[i] = e.desc.Name
	}
	r.mu.RUnlock()

	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		if err := r.unloadLocked(ctx, names[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List returns a snapshot of the loaded descriptors in load order
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, len(r.entries))
	for i, e := range r.entries {
		out[i] = cloneDescriptor(e.desc)
	}
	return out
}

// Generation changes every time a plugin is loaded or unloaded
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gen
}

// Subscribers implements event.Source: the plugins subscribed to kind, in load order
func (r *Registry) Subscribers(kind event.Kind) []event.Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var subs []event.Subscriber
	for _, e := range r.entries {
		if !subscribes(e.desc, kind) {
			continue
		}
		subs = append(subs, event.Subscriber{
			Name: e.desc.Name,
			Handle: func(ctx context.Context, ev event.Event) error {
				return e.enter(ctx, func(ctx context.Context) error {
					return e.plugin.HandleEvent(ctx, e.pctx, ev)
				})
			},
		})
	}
	return subs
}

// Command is a resolved command ready to invoke
type Command struct {
	Spec   CommandSpec
	Plugin string
	owner  *entry
}

// Invoke calls the handler unless its plugin has been unloaded in the meantime
func (c Command) Invoke(ctx context.Context, inv *Invocation) error {
	return c.owner.enter(ctx, func(ctx context.Context) error {
		return c.Spec.Handler(ctx, c.owner.pctx, inv)
	})
}

// Lookup finds a command by name, ignoring case
func (r *Registry) Lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ce, ok := r.commands[strings.ToLower(name)]
	if !ok {
		return Command{}, false
	}
	return Command{Spec: ce.spec, Plugin: ce.owner.desc.Name, owner: ce.owner}, true
}

// Commands lists every registered command sorted by name
func (r *Registry) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Command, 0, len(r.commands))
	for _, ce := range r.commands {
		out = append(out, Command{Spec: ce.spec, Plugin: ce.owner.desc.Name, owner: ce.owner})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spec.Name < out[j].Spec.Name })
	return out
}

func (r *Registry) conflictLocked(desc Descriptor) error {
	for _, spec := range desc.Commands {
		if ce, ok := r.commands[strings.ToLower(spec.Name)]; ok {
			return oops.Code("COMMAND_CONFLICT").
				With("plugin", desc.Name).
				With("command", spec.Name).
				With("owner", ce.owner.desc.Name).
				Wrap(ErrCommandConflict)
		}
	}
	return nil
}

func validate(desc Descriptor) error {
	invalid := func(format string, args ...any) error {
		return oops.Code("INVALID_DESCRIPTOR").
			With("plugin", desc.Name).
			Wrap(fmt.Errorf("%w: %s", ErrInvalidDescriptor, fmt.Sprintf(format, args...)))
	}

	if !validName.MatchString(desc.Name) {
		return invalid("bad plugin name %q", desc.Name)
	}
	if _, err := semver.NewVersion(desc.Version); err != nil {
		return invalid("bad version %q: %v", desc.Version, err)
	}
	seen := make(map[string]bool, len(desc.Commands))
	for _, spec := range desc.Commands {
		name := strings.ToLower(spec.Name)
		switch {
		case !validName.MatchString(spec.Name):
			return invalid("bad command name %q", spec.Name)
		case seen[name]:
			return invalid("command %q declared twice", spec.Name)
		case spec.Handler == nil:
			return invalid("command %q has no handler", spec.Name)
		case spec.Arity < 0 || spec.Required < 0 || spec.Required > spec.Arity && spec.Arity > 0:
			return invalid("command %q has arity %d with %d required", spec.Name, spec.Arity, spec.Required)
		}
		seen[name] = true
	}
	return nil
}

func subscribes(desc Descriptor, kind event.Kind) bool {
	for _, k := range desc.Events {
		if k == kind {
			return true
		}
	}
	return false
}

func cloneDescriptor(d Descriptor) Descriptor {
	d.Events = append([]event.Kind(nil), d.Events...)
	d.Commands = append([]CommandSpec(nil), d.Commands...)
	return d
}
