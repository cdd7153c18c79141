// Package blocklist loads a set of blocked domain names and answers
// label-boundary suffix membership queries against it.
package blocklist

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jyuch/advoid/pkg/logging"

	"github.com/miekg/dns"
)

// node is one level of a trie keyed on reversed DNS labels. Walking from the
// root towards the leaves therefore walks a name from its TLD inward, which
// is exactly the direction label-boundary suffix matching needs: a match is
// found the moment a terminal node is reached, regardless of how many more
// labels the query name has underneath it.
type node struct {
	children map[string]*node
	terminal bool
}

// Set is an immutable collection of blocked FQDNs, organised for O(depth)
// suffix lookups instead of an O(n) scan per query.
type Set struct {
	root *node
	size int
}

// Load reads a blocklist from a local path or an http(s) URL using client,
// parses it per the blocklist file format (one name per line, '#' comments,
// blank lines ignored, case-insensitive, normalised to FQDN), and returns
// the resulting Set. It never mutates afterwards.
func Load(ctx context.Context, source string, client *http.Client, logger *logging.Logger) (*Set, error) {
	var r io.ReadCloser

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		if client == nil {
			client = &http.Client{Timeout: 60 * time.Second}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return nil, fmt.Errorf("blocklist: build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("blocklist: fetch %s: %w", source, err)
		}
		if resp.StatusCode/100 != 2 {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("blocklist: fetch %s: unexpected status %d", source, resp.StatusCode)
		}
		r = resp.Body
	} else {
		f, err := os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("blocklist: open %s: %w", source, err)
		}
		r = f
	}
	defer func() { _ = r.Close() }()

	set := newSet()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lines := 0
	for scanner.Scan() {
		lines++
		if !utf8.Valid(scanner.Bytes()) {
			return nil, fmt.Errorf("blocklist: read %s: line %d is not valid UTF-8", source, lines)
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}

		name := strings.ToLower(line)
		name = dns.Fqdn(name)
		set.insert(name)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("blocklist: read %s: %w", source, err)
	}

	if logger != nil {
		logger.Info("blocklist loaded", "source", source, "lines", lines, "names", set.size)
	}

	return set, nil
}

func newSet() *Set {
	return &Set{root: &node{children: make(map[string]*node)}}
}

// insert adds name (already a lowercase FQDN) to the trie.
func (s *Set) insert(name string) {
	labels := reversedLabels(name)

	cur := s.root
	for _, label := range labels {
		next, ok := cur.children[label]
		if !ok {
			next = &node{children: make(map[string]*node)}
			cur.children[label] = next
		}
		cur = next
	}
	if !cur.terminal {
		cur.terminal = true
		s.size++
	}
}

// Match reports whether name is blocked: name equals some s in the set, or
// name ends with "." + s, evaluated strictly on label boundaries.
func (s *Set) Match(name string) bool {
	_, ok := s.MatchZone(name)
	return ok
}

// MatchZone is Match plus the matched entry itself — the closest enclosing
// zone, i.e. the longest matching entry when entries nest — so callers can
// use it as the owner name of a synthetic SOA record.
func (s *Set) MatchZone(name string) (zone string, ok bool) {
	labels := reversedLabels(name)

	cur := s.root
	matched := make([]string, 0, len(labels))
	for _, label := range labels {
		next, exists := cur.children[label]
		if !exists {
			break
		}
		cur = next
		matched = append(matched, label)
		if cur.terminal {
			zone, ok = reassemble(matched), true
		}
	}
	return zone, ok
}

// reassemble reverses a root-to-leaf label slice back into a dotted FQDN.
func reassemble(labels []string) string {
	var b strings.Builder
	for i := len(labels) - 1; i >= 0; i-- {
		b.WriteString(labels[i])
		b.WriteByte('.')
	}
	return b.String()
}

// Size returns the number of distinct names the set was built from.
func (s *Set) Size() int {
	return s.size
}

// reversedLabels splits a canonical FQDN ("x.y.example.com.") into its
// labels in root-to-leaf order ("com", "example", "y", "x").
func reversedLabels(name string) []string {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return nil
	}
	parts := strings.Split(name, ".")
	out := make([]string, len(parts))
	for i := range parts {
		out[i] = parts[len(parts)-1-i]
	}
	return out
}
