// Package blacklist answers whether a server hostname may be proxied.
package blacklist

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/zep-us/cacheproxy/pkg/logger"
)

// Blacklist is a set of host patterns loaded at startup; immutable after.
type Blacklist struct {
	patterns []*regexp.Regexp
}

// Load reads one regex per line from path. Blank lines and # comments are
// skipped; a pattern that fails to compile fails the load. An empty path
// yields a list that allows everything.
func Load(path string) (*Blacklist, error) {
	bl := &Blacklist{}
	if path == "" {
		return bl, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open blacklist %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		re, err := regexp.Compile(line)
		if err != nil {
			return nil, fmt.Errorf("bad pattern on line %d of %s: %w", lineNo, path, err)
		}
		bl.patterns = append(bl.patterns, re)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read blacklist %s: %w", path, err)
	}

	logger.Info("blacklist loaded: %d patterns from %s", len(bl.patterns), path)
	return bl, nil
}

// Allowed reports whether host matches none of the loaded patterns.
func (b *Blacklist) Allowed(host string) bool {
	for _, re := range b.patterns {
		if re.MatchString(host) {
			return false
		}
	}
	return true
}

// Size returns the number of loaded patterns.
func (b *Blacklist) Size() int {
	return len(b.patterns)
}
