package lua

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/dalnet/dunamis/internal/event"
	"github.com/dalnet/dunamis/internal/plugin"
)

const defaultVersion = "0.1.0"

// ErrScriptFailed wraps errors raised inside a Lua hook
var ErrScriptFailed = errors.New("lua script failed")

// Script is a validated Lua plugin source
type Script struct {
	Path       string
	Code       string
	Descriptor plugin.Descriptor
	// commands the script declared; handlers are bound per instance
	commands []plugin.CommandSpec
}

// Compile runs code once in a throwaway state and reads the plugin table it
// declares:
//
//	plugin = {
//	  name = "greeter", version = "1.0.0", summary = "...",
//	  events = {"join"},
//	  commands = {{name = "hello", level = 0, arity = 1, required = 0, usage = "[nick]", help = "..."}},
//	}
func Compile(path, code string) (*Script, error) {
	L, err := newState(safeLibraries)
	if err != nil {
		return nil, oops.Code("LUA_STATE").With("path", path).Wrap(err)
	}
	defer L.Close()
	// host functions are absent here; scripts must only call them from handlers
	L.SetGlobal(hostTable, L.NewTable())

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	L.SetContext(ctx)
	if err := L.DoString(code); err != nil {
		return nil, oops.Code("LUA_COMPILE").With("path", path).Wrap(err)
	}
	decl, ok := L.GetGlobal("plugin").(*lua.LTable)
	if !ok {
		return nil, oops.Code("LUA_DECLARATION").With("path", path).Errorf("script declares no plugin table")
	}

	s := &Script{Path: path, Code: code}
	s.Descriptor = plugin.Descriptor{
		Name:    stringField(decl, "name"),
		Version: stringField(decl, "version"),
		Summary: stringField(decl, "summary"),
	}
	if s.Descriptor.Version == "" {
		s.Descriptor.Version = defaultVersion
	}
	if s.Descriptor.Name == "" {
		return nil, oops.Code("LUA_DECLARATION").With("path", path).Errorf("plugin table has no name")
	}

	if events, ok := decl.RawGetString("events").(*lua.LTable); ok {
		for i := 1; i <= events.Len(); i++ {
			kind := event.Kind(lua.LVAsString(events.RawGetInt(i)))
			if !knownKind(kind) {
				return nil, oops.Code("LUA_DECLARATION").With("path", path).With("event", kind).Errorf("unknown event kind %q", kind)
			}
			s.Descriptor.Events = append(s.Descriptor.Events, kind)
		}
	}
	if commands, ok := decl.RawGetString("commands").(*lua.LTable); ok {
		for i := 1; i <= commands.Len(); i++ {
			ct, ok := commands.RawGetInt(i).(*lua.LTable)
			if !ok {
				return nil, oops.Code("LUA_DECLARATION").With("path", path).Errorf("command %d is not a table", i)
			}
			s.commands = append(s.commands, plugin.CommandSpec{
				Name:     stringField(ct, "name"),
				Level:    intField(ct, "level"),
				Arity:    intField(ct, "arity"),
				Required: intField(ct, "required"),
				Usage:    stringField(ct, "usage"),
				Help:     stringField(ct, "help"),
			})
		}
	}
	return s, nil
}

// Discover compiles every *.lua file in dir. Scripts that fail to compile are
// reported in the joined error and left out of the result; an absent
// directory yields nothing.
func Discover(dir string) ([]*Script, error) {
	if dir == "" {
		return nil, nil
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.lua"))
	if err != nil {
		return nil, oops.Code("LUA_DISCOVER").With("dir", dir).Wrap(err)
	}
	sort.Strings(paths)

	var (
		scripts []*Script
		errs    []error
		seen    = make(map[string]string)
	)
	for _, path := range paths {
		code, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			errs = append(errs, oops.Code("LUA_READ").With("path", path).Wrap(err))
			continue
		}
		s, err := Compile(path, string(code))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		name := strings.ToLower(s.Descriptor.Name)
		if first, dup := seen[name]; dup {
			errs = append(errs, oops.Code("LUA_DUPLICATE").
				With("path", path).
				With("first", first).
				Errorf("plugin %q is already declared", s.Descriptor.Name))
			continue
		}
		seen[name] = path
		scripts = append(scripts, s)
	}
	return scripts, errors.Join(errs...)
}

// Factory makes fresh instances of s for the registry catalog
func (s *Script) Factory() plugin.Factory {
	return func() plugin.Plugin { return New(s) }
}

func knownKind(kind event.Kind) bool {
	for _, k := range event.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func stringField(t *lua.LTable, key string) string {
	if v, ok := t.RawGetString(key).(lua.LString); ok {
		return string(v)
	}
	return ""
}

func intField(t *lua.LTable, key string) int {
	if v, ok := t.RawGetString(key).(lua.LNumber); ok {
		return int(v)
	}
	return 0
}

// callError gives a Lua failure its plugin and hook
func callError(ctx context.Context, name, hook string, err error) error {
	builder := oops.Code("LUA_ERROR").With("plugin", name).With("hook", hook)
	if ctx.Err() != nil {
		builder = builder.With("timeout", true)
	}
	return builder.Wrap(fmt.Errorf("%w: %w", ErrScriptFailed, err))
}
