package network

import (
	"fmt"
	"sort"
	"strings"
)

// Link is one RPL_LINKS entry
type Link struct {
	Server      string
	Hub         string // uplink; equal to Server for the root
	Hops        int
	Description string
}

// Tree collects the links of one LINKS reply
type Tree struct {
	links map[string]Link
}

func NewTree() *Tree {
	return &Tree{links: make(map[string]Link)}
}

// Add records a link; a repeated server replaces the earlier entry
func (t *Tree) Add(l Link) {
	t.links[strings.ToLower(l.Server)] = l
}

func (t *Tree) Len() int { return len(t.links) }

// ShortNames lists the first label of every linked server, sorted
func (t *Tree) ShortNames() []string {
	out := make([]string, 0, len(t.links))
	for _, l := range t.links {
		out = append(out, shortName(l.Server))
	}
	sort.Strings(out)
	return out
}

// Render draws the tree depth first from the zero-hop server, children in
// name order
func (t *Tree) Render() ([]string, error) {
	if len(t.links) == 0 {
		return nil, nil
	}
	var root *Link
	for _, l := range t.links {
		if l.Hops == 0 {
			root = &l
			break
		}
	}
	if root == nil {
		return nil, ErrNoRoot
	}

	children := make(map[string][]Link)
	for _, l := range t.links {
		if l.Hops == 0 {
			continue
		}
		hub := strings.ToLower(l.Hub)
		children[hub] = append(children[hub], l)
	}
	for _, list := range children {
		sort.Slice(list, func(i, j int) bool { return list[i].Server < list[j].Server })
	}

	lines := []string{fmt.Sprintf("%s (0) %s", root.Server, root.Description)}
	var walk func(hub string, indent string)
	walk = func(hub string, indent string) {
		list := children[strings.ToLower(hub)]
		for i, l := range list {
			lines = append(lines, fmt.Sprintf("%s|_ %s (%d) %s", indent, l.Server, l.Hops, l.Description))
			next := indent + "    "
			if i < len(list)-1 {
				next = indent + "|   "
			}
			walk(l.Server, next)
		}
	}
	walk(root.Server, "")
	return lines, nil
}

// Comparison is the result of checking a tree against the routing map
type Comparison struct {
	Expected int
	Linked   int
	Missing  []string
}

// Compare reports which servers of m are absent from t
func (t *Tree) Compare(m *RoutingMap) Comparison {
	linked := make(map[string]bool, len(t.links))
	for _, name := range t.ShortNames() {
		linked[strings.ToLower(name)] = true
	}
	c := Comparison{Expected: len(m.Servers), Linked: len(t.links)}
	for _, s := range m.Servers {
		short := shortName(s.Name)
		if !linked[strings.ToLower(short)] {
			c.Missing = append(c.Missing, short)
		}
	}
	return c
}

func shortName(server string) string {
	if i := strings.IndexByte(server, '.'); i > 0 {
		return server[:i]
	}
	return server
}
