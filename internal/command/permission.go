package command

import (
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/dalnet/dunamis/internal/config"
	"github.com/dalnet/dunamis/internal/plugin"
)

var _ plugin.Sessions = (*Policy)(nil)

type maskRule struct {
	mask  string
	glob  glob.Glob
	level int
}

// Policy maps identities to permission levels. Masks are nick!user@host globs
// matched case-insensitively; the highest matching level wins. Identities that
// logged in as admin are raised to the admin level.
type Policy struct {
	rules      []maskRule
	strict     bool
	adminLevel int

	mu       sync.RWMutex
	elevated map[string]bool
}

// NewPolicy compiles the configured masks
func NewPolicy(rules []config.PermissionRule, cmds config.CommandsConfig) (*Policy, error) {
	p := &Policy{
		strict:     cmds.Comparison == "gt",
		adminLevel: cmds.AdminLevel,
		elevated:   make(map[string]bool),
	}
	for _, r := range rules {
		mask := strings.ToLower(r.Mask)
		g, err := glob.Compile(mask)
		if err != nil {
			return nil, oops.Code("PERMISSION_MASK_INVALID").With("mask", r.Mask).Wrap(err)
		}
		p.rules = append(p.rules, maskRule{mask: mask, glob: g, level: r.Level})
	}
	return p, nil
}

// Level is the level granted to identity; 0 when nothing matches
func (p *Policy) Level(identity string) int {
	id := strings.ToLower(identity)
	level := 0
	for _, r := range p.rules {
		if r.level > level && r.glob.Match(id) {
			level = r.level
		}
	}
	if p.Elevated(identity) && p.adminLevel > level {
		level = p.adminLevel
	}
	return level
}

// Allows compares a level against a command's requirement using the configured
// comparison
func (p *Policy) Allows(level, required int) bool {
	if p.strict {
		return level > required
	}
	return level >= required
}

// Decide resolves identity's level and checks it against required
func (p *Policy) Decide(identity string, required int) (int, bool) {
	level := p.Level(identity)
	return level, p.Allows(level, required)
}

func (p *Policy) Elevate(identity string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elevated[strings.ToLower(identity)] = true
}

func (p *Policy) Revoke(identity string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := strings.ToLower(identity)
	if !p.elevated[id] {
		return false
	}
	delete(p.elevated, id)
	return true
}

func (p *Policy) Elevated(identity string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.elevated[strings.ToLower(identity)]
}
