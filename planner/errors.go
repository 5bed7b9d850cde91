package planner

import "fmt"

// Stage identifies which pipeline stage raised a LoaderError.
type Stage int

const (
	StageParse Stage = iota
	StageDiscover
	StageResolve
	StageMmapPlan
	StagePlanReloc
	StageApplyReloc
	StageFinalize
	StageRuntime
)

func (s Stage) String() string {
	switch s {
	case StageParse:
		return "parse"
	case StageDiscover:
		return "discover"
	case StageResolve:
		return "resolve"
	case StageMmapPlan:
		return "mmap-plan"
	case StagePlanReloc:
		return "plan-reloc"
	case StageApplyReloc:
		return "apply-reloc"
	case StageFinalize:
		return "finalize"
	case StageRuntime:
		return "runtime"
	default:
		return "unknown"
	}
}

// LoaderError is the single fatal error kind every planner stage
// returns. It is never recovered locally; any stage short-circuits the
// pipeline and surfaces it to the caller.
type LoaderError struct {
	Stage   Stage
	Object  string
	Message string
}

func (e *LoaderError) Error() string {
	if e.Object == "" {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Stage, e.Object, e.Message)
}

// Report renders a multi-line diagnostic, mirroring the stage/object/
// message shape a caller would want in a debug dump.
func (e *LoaderError) Report() string {
	return fmt.Sprintf("loader error\n  stage:   %s\n  object:  %s\n  message: %s",
		e.Stage, e.Object, e.Message)
}

func parseError(object, format string, args ...any) *LoaderError {
	return &LoaderError{Stage: StageParse, Object: object, Message: fmt.Sprintf(format, args...)}
}

func discoverError(object, format string, args ...any) *LoaderError {
	return &LoaderError{Stage: StageDiscover, Object: object, Message: fmt.Sprintf(format, args...)}
}

func resolveError(object, format string, args ...any) *LoaderError {
	return &LoaderError{Stage: StageResolve, Object: object, Message: fmt.Sprintf(format, args...)}
}

func mmapPlanError(object, format string, args ...any) *LoaderError {
	return &LoaderError{Stage: StageMmapPlan, Object: object, Message: fmt.Sprintf(format, args...)}
}

func planRelocError(object, format string, args ...any) *LoaderError {
	return &LoaderError{Stage: StagePlanReloc, Object: object, Message: fmt.Sprintf(format, args...)}
}

func finalizeError(object, format string, args ...any) *LoaderError {
	return &LoaderError{Stage: StageFinalize, Object: object, Message: fmt.Sprintf(format, args...)}
}

// VerboseMode gates the stages' debugf tracing: a single package-level
// switch the CLI front-end sets from its --debug flag or the
// VERILOAD_DEBUG/VERILOAD_VERBOSE environment toggles.
var VerboseMode bool
