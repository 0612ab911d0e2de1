package snapshot

import (
	"fmt"
	"io"
	"sort"

	"github.com/frederic-klein/envbuild/internal/dist"
)

const header = "# envbuild freeze report: version 1\n"

// Emitter writes freeze reports.
type Emitter struct {
	w io.Writer
}

// NewEmitter creates a new snapshot emitter.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

// Emit writes records sorted by normalized name, one "name==version" per
// line. Records without a version are written by name only.
func (e *Emitter) Emit(records []dist.Record, comments ...string) error {
	sorted := make([]dist.Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return dist.NormalizeName(sorted[i].Name) < dist.NormalizeName(sorted[j].Name)
	})

	if _, err := fmt.Fprint(e.w, header); err != nil {
		return err
	}
	for _, c := range comments {
		if _, err := fmt.Fprintf(e.w, "# %s\n", c); err != nil {
			return err
		}
	}

	for _, r := range sorted {
		line := r.Name
		if r.Version != "" {
			line += "==" + r.Version
		}
		if _, err := fmt.Fprintln(e.w, line); err != nil {
			return err
		}
	}

	return nil
}
