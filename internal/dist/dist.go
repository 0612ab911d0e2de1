package dist

import (
	"regexp"

	"golang.org/x/text/cases"
)

// Operator is a version comparison operator in a requirement fragment.
type Operator string

const (
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpArbitrary    Operator = "==="
	OpNotEqual     Operator = "!="
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpCompatible   Operator = "~="
)

// Operators lists every operator, longest first so prefix matching is unambiguous.
var Operators = []Operator{
	OpArbitrary, OpGreaterEqual, OpLessEqual, OpEqual, OpNotEqual, OpCompatible, OpGreater, OpLess,
}

// Clause is one operator/version fragment of a constraint, e.g. ">=0.21.2".
type Clause struct {
	Op      Operator
	Version string // e.g. "1.10", "0.9.*"
}

func (c Clause) String() string {
	return string(c.Op) + c.Version
}

// Requirement is a package name with its version constraint.
type Requirement struct {
	Name    string   // as written, e.g. "Horovod"
	Extras  []string // e.g. ["extra"] for "pytorch-lightning[extra]"
	Clauses []Clause // empty means any version
}

// Record is an installed package as reported by the package manager.
type Record struct {
	Name    string
	Version string
}

// Phase orders the manifests handed to the installer.
type Phase string

const (
	PhaseBase        Phase = "base"
	PhaseExtra       Phase = "extra"
	PhaseExamples    Phase = "examples"
	PhaseAccelerator Phase = "accelerator"
)

// PhaseOrder is the fixed install order. Accelerator manifests go last
// because their native builds link against the installed runtime.
var PhaseOrder = []Phase{PhaseBase, PhaseExtra, PhaseExamples, PhaseAccelerator}

var separatorRe = regexp.MustCompile(`[-_.]+`)

// NormalizeName folds a package name so that "Torch_Vision", "torch.vision"
// and "torch-vision" compare equal.
func NormalizeName(name string) string {
	return separatorRe.ReplaceAllString(cases.Fold().String(name), "-")
}
