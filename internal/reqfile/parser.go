// Package reqfile reads and rewrites pip-style requirement manifests while
// keeping every untouched line byte-for-byte identical.
package reqfile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/frederic-klein/envbuild/internal/dist"
	"github.com/frederic-klein/envbuild/internal/version"
)

// Kind classifies a manifest line.
type Kind int

const (
	KindBlank Kind = iota
	KindComment
	KindDirective   // -r, --index-url, -e, URLs and local paths
	KindDeclaration // name[extras] constraint ;marker #comment
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindBlank:
		return "blank"
	case KindComment:
		return "comment"
	case KindDirective:
		return "directive"
	case KindDeclaration:
		return "declaration"
	default:
		return "malformed"
	}
}

// Line is one physical line of a manifest.
type Line struct {
	Number int    // 1-based position in the file as read
	Raw    string // content without the terminator
	EOL    string // "\n", "\r\n" or "" for a final unterminated line
	Kind   Kind
	Req    dist.Requirement
	Err    error // set for KindMalformed

	// [specStart, specEnd) is the constraint text inside Raw; -1 when the
	// declaration has no constraint.
	specStart int
	specEnd   int
	sep       string
}

// HasConstraint reports whether the declaration carries version clauses.
func (l *Line) HasConstraint() bool {
	return l.Kind == KindDeclaration && l.specStart >= 0 && len(l.Req.Clauses) > 0
}

// Constraint returns the constraint text exactly as written.
func (l *Line) Constraint() string {
	if !l.HasConstraint() {
		return ""
	}
	return l.Raw[l.specStart:l.specEnd]
}

// SetClauses replaces the constraint span with clauses, leaving the name,
// extras, marker, comment and spacing around it untouched.
func (l *Line) SetClauses(clauses []dist.Clause) {
	if !l.HasConstraint() {
		return
	}
	parts := make([]string, len(clauses))
	for i, c := range clauses {
		parts[i] = c.String()
	}
	spec := strings.Join(parts, l.sep)
	l.Raw = l.Raw[:l.specStart] + spec + l.Raw[l.specEnd:]
	l.specEnd = l.specStart + len(spec)
	l.Req.Clauses = clauses
}

// ParseWarning describes a line that could not be understood. It is
// reported, never fatal.
type ParseWarning struct {
	Path string
	Line int
	Text string
	Err  error
}

func (w ParseWarning) Error() string {
	return fmt.Sprintf("%s:%d: %v: %q", w.Path, w.Line, w.Err, w.Text)
}

func (w ParseWarning) Unwrap() error { return w.Err }

var (
	ErrMissingOperator = errors.New("version without comparison operator")
	ErrBadVersion      = errors.New("unparseable version")
	ErrBadName         = errors.New("unparseable package name")
	ErrHashFenced      = errors.New("hash-delimited token is neither a comment nor a declaration")
)

var (
	nameRe    = regexp.MustCompile(`^\s*([A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?)`)
	extrasRe  = regexp.MustCompile(`^\s*\[([^\]]*)\]`)
	urlRe     = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.-]*://`)
	versionRe = regexp.MustCompile(`^[A-Za-z0-9.*+!_-]+$`)
)

// Parser parses requirement manifests.
type Parser struct{}

// NewParser creates a new manifest parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse reads and parses the manifest at path.
func (p *Parser) Parse(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	return p.ParseBytes(path, data), nil
}

// ParseBytes parses manifest content. Parsing never fails as a whole:
// lines that cannot be understood become KindMalformed.
func (p *Parser) ParseBytes(path string, data []byte) *Manifest {
	m := &Manifest{Path: path, original: append([]byte(nil), data...)}

	number := 0
	for len(data) > 0 {
		number++
		var raw, eol string
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			raw, eol = string(data[:i]), "\n"
			data = data[i+1:]
			if strings.HasSuffix(raw, "\r") {
				raw, eol = raw[:len(raw)-1], "\r\n"
			}
		} else {
			raw = string(data)
			data = nil
		}
		m.Lines = append(m.Lines, parseLine(number, raw, eol))
	}
	return m
}

func parseLine(number int, raw, eol string) *Line {
	l := &Line{Number: number, Raw: raw, EOL: eol, specStart: -1, specEnd: -1}
	trimmed := strings.TrimSpace(raw)

	switch {
	case trimmed == "":
		l.Kind = KindBlank
		return l
	case strings.HasPrefix(trimmed, "#"):
		rest := strings.TrimLeft(trimmed, "#")
		if strings.Contains(rest, "#") && !strings.ContainsAny(rest, " \t") {
			return malformed(l, ErrHashFenced)
		}
		l.Kind = KindComment
		return l
	case strings.HasPrefix(trimmed, "-"), urlRe.MatchString(trimmed),
		strings.HasPrefix(trimmed, "."), strings.HasPrefix(trimmed, "/"):
		l.Kind = KindDirective
		return l
	}

	m := nameRe.FindStringSubmatchIndex(raw)
	if m == nil {
		return malformed(l, ErrBadName)
	}
	l.Req.Name = raw[m[2]:m[3]]
	pos := m[1]

	if e := extrasRe.FindStringSubmatchIndex(raw[pos:]); e != nil {
		for _, x := range strings.Split(raw[pos+e[2]:pos+e[3]], ",") {
			if x = strings.TrimSpace(x); x != "" {
				l.Req.Extras = append(l.Req.Extras, x)
			}
		}
		pos += e[1]
	}

	// The constraint ends at an environment marker or an inline comment,
	// which needs no leading whitespace.
	end := len(raw)
	if i := strings.IndexByte(raw[pos:], '#'); i >= 0 {
		end = pos + i
	}
	if i := strings.IndexByte(raw[pos:end], ';'); i >= 0 {
		end = pos + i
	}

	spec := raw[pos:end]
	lead := len(spec) - len(strings.TrimLeft(spec, " \t"))
	spec = strings.TrimSpace(spec)
	l.Kind = KindDeclaration

	if spec == "" || strings.HasPrefix(spec, "@") {
		return l
	}

	clauses, sep, err := parseClauses(spec)
	if err != nil {
		l.Req = dist.Requirement{}
		return malformed(l, err)
	}
	l.Req.Clauses = clauses
	l.specStart = pos + lead
	l.specEnd = l.specStart + len(spec)
	l.sep = sep
	return l
}

func parseClauses(spec string) ([]dist.Clause, string, error) {
	sep := ","
	if strings.Contains(spec, ", ") {
		sep = ", "
	}

	var clauses []dist.Clause
	for _, frag := range strings.Split(spec, ",") {
		frag = strings.TrimSpace(frag)
		var op dist.Operator
		for _, candidate := range dist.Operators {
			if strings.HasPrefix(frag, string(candidate)) {
				op = candidate
				break
			}
		}
		if op == "" {
			return nil, "", ErrMissingOperator
		}
		v := strings.TrimSpace(frag[len(op):])
		if !versionRe.MatchString(v) {
			return nil, "", fmt.Errorf("%w %q", ErrBadVersion, v)
		}
		if _, ok := version.Release(v); !ok && op != dist.OpArbitrary {
			return nil, "", fmt.Errorf("%w %q", ErrBadVersion, v)
		}
		clauses = append(clauses, dist.Clause{Op: op, Version: v})
	}
	return clauses, sep, nil
}

func malformed(l *Line, err error) *Line {
	l.Kind = KindMalformed
	l.Err = err
	return l
}
