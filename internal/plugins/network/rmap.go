package network

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"os"
	"regexp"
	"strings"

	"github.com/samber/oops"
)

// MapFile is the routing map's name inside the data directory
const MapFile = "rmap.txt"

// headerLine matches the decoration of a routing map that names no server
var headerLine = regexp.MustCompile(`(?i)^Tier|^Hub:|^Client:|^Special:|^LOA|===|Routing Map|^Temporary|^---|^\s*$`)

// MappedServer is one "server: hub hub..." line of the routing map
type MappedServer struct {
	Name    string
	Uplinks []string
}

// RoutingMap is the expected shape of the network, maintained by hand
type RoutingMap struct {
	Lines   []string
	Servers []MappedServer
}

// LoadRoutingMap reads path; a missing file is an empty map
func LoadRoutingMap(path string) (*RoutingMap, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &RoutingMap{}, nil
	}
	if err != nil {
		return nil, oops.Code("RMAP_READ").With("path", path).Wrap(err)
	}
	defer f.Close()

	m, err := ParseRoutingMap(f)
	if err != nil {
		return nil, oops.Code("RMAP_READ").With("path", path).Wrap(err)
	}
	return m, nil
}

// ParseRoutingMap reads a routing map. Annotations in parentheses or starting
// with "=" after a server's uplinks are ignored.
func ParseRoutingMap(r io.Reader) (*RoutingMap, error) {
	m := &RoutingMap{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		m.Lines = append(m.Lines, line)
		if headerLine.MatchString(line) {
			continue
		}
		name, rest, ok := strings.Cut(line, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			continue
		}
		s := MappedServer{Name: name}
		for _, field := range strings.Fields(rest) {
			if strings.HasPrefix(field, "(") || strings.HasPrefix(field, "=") {
				continue
			}
			s.Uplinks = append(s.Uplinks, field)
		}
		m.Servers = append(m.Servers, s)
	}
	return m, scanner.Err()
}

// Uplinks finds a server by exact name, then by case-insensitive prefix
func (m *RoutingMap) Uplinks(server string) (MappedServer, bool) {
	for _, s := range m.Servers {
		if s.Name == server {
			return s, true
		}
	}
	lower := strings.ToLower(server)
	for _, s := range m.Servers {
		if strings.HasPrefix(strings.ToLower(s.Name), lower) {
			return s, true
		}
	}
	return MappedServer{}, false
}
