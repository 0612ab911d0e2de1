// Package snapshot reads and writes installed-package listings in the
// "name==version" freeze format.
package snapshot

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/frederic-klein/envbuild/internal/dist"
)

var (
	pinnedRe    = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)==(\S+)$`)
	directRefRe = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*) @ `)
)

// Parser reads freeze listings such as the output of
// "pip list --format=freeze".
type Parser struct {
	r io.Reader
}

// NewParser creates a new snapshot parser.
func NewParser(r io.Reader) *Parser {
	return &Parser{r: r}
}

// Parse reads installed package records. Editable installs and direct
// references are reported with an empty version; comments, blank lines and
// pip notices are skipped.
func (p *Parser) Parse() ([]dist.Record, error) {
	var records []dist.Record

	scanner := bufio.NewScanner(p.r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-e ") {
			continue
		}

		if matches := pinnedRe.FindStringSubmatch(line); matches != nil {
			records = append(records, dist.Record{Name: matches[1], Version: matches[2]})
			continue
		}

		if matches := directRefRe.FindStringSubmatch(line); matches != nil {
			records = append(records, dist.Record{Name: matches[1]})
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading package listing: %w", err)
	}

	return records, nil
}

// Index maps normalized names to records. A later record for the same
// package replaces an earlier one.
func Index(records []dist.Record) map[string]dist.Record {
	idx := make(map[string]dist.Record, len(records))
	for _, r := range records {
		idx[dist.NormalizeName(r.Name)] = r
	}
	return idx
}
