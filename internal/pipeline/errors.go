package pipeline

import "fmt"

// StageError tags a failure with the stage and step that produced it.
type StageError struct {
	Stage string
	Step  string // "precondition" or "action"
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %s: %v", e.Stage, e.Step, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ProvisionError reports a failed base-system or environment step.
type ProvisionError struct {
	Step string // e.g. "apt-get install", "conda create"
	Err  error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning failed at %s: %v", e.Step, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// InstallError reports a manifest the package installer could not install.
type InstallError struct {
	Manifest string
	Err      error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("installing %s: %v", e.Manifest, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// VerificationError reports a critical package that is missing after
// installation or whose version does not satisfy its constraint.
type VerificationError struct {
	Package    string
	Constraint string
	Installed  string // empty for direct-reference installs
	Missing    bool
}

func (e *VerificationError) Error() string {
	switch {
	case e.Missing:
		return fmt.Sprintf("verification failed: %s is not installed", e.Package)
	case e.Installed == "":
		return fmt.Sprintf("verification failed: %s is installed without a version and cannot satisfy %q", e.Package, e.Constraint)
	}
	return fmt.Sprintf("verification failed: %s %s does not satisfy %q", e.Package, e.Installed, e.Constraint)
}
