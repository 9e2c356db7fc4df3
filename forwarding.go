package taskgraph

import "context"

type forwardMode int

const (
	forwardNone forwardMode = iota
	forwardNamed
	forwardAuto
)

// forwardRule is the resolved forwarding rule a Connect call installs on
// the child, keyed by the parent's ID in the child's forwardRules map.
type forwardRule struct {
	mode          forwardMode
	name          string
	resolvedParam string
	beforeForward func(ctx context.Context, v any, fixed Args) (any, error)
	fixed         FixedBindings
}

// ForwardOption configures the forwarding rule a Connect call installs.
type ForwardOption func(*forwardRule)

// WithNamedForward forwards the parent's output to the named parameter of
// the child. Connect rejects it with a ForwardingParameterError if the
// child has no such declared parameter and does not accept arbitrary
// ones, or a ForwardingOverrideError if the parameter is already bound.
func WithNamedForward(param string) ForwardOption {
	return func(r *forwardRule) {
		r.mode = forwardNamed
		r.name = param
	}
}

// WithAutoForward forwards the parent's output to whichever single
// parameter of the child remains unbound and undeclared-elsewhere at
// connect time. Connect rejects it with an AutoForwardError unless exactly
// one such parameter exists.
func WithAutoForward() ForwardOption {
	return func(r *forwardRule) { r.mode = forwardAuto }
}

// WithBeforeForward installs a transform run on the parent's output before
// it is installed into the child's arguments. fixed is resolved into a
// plain Args map immediately before each invocation, so a Thunk entry is
// evaluated lazily rather than handed to f unresolved, the same way every
// other hook in this package receives its fixed bindings.
func WithBeforeForward(f func(ctx context.Context, v any, fixed Args) (any, error), fixed FixedBindings) ForwardOption {
	return func(r *forwardRule) {
		r.beforeForward = f
		r.fixed = fixed
	}
}

// resolveForwardTarget determines, at connect time, which parameter name
// (if any) a forwarding rule targets on child, validating it against the
// child's declared parameters and existing bindings. It returns "" for
// forwardNone.
func resolveForwardTarget(child Runnable, rule *forwardRule) (string, error) {
	switch rule.mode {
	case forwardNone:
		return "", nil

	case forwardNamed:
		names, acceptsAny := child.declaredParams()
		if !acceptsAny && !contains(names, rule.name) {
			return "", &ForwardingParameterError{ChildID: child.ID(), Parameter: rule.name}
		}
		return rule.name, nil

	case forwardAuto:
		names, _ := child.declaredParams()
		eligible := make([]string, 0, len(names))
		for _, p := range names {
			if !child.hasBinding(p) && !child.hasForwardTarget(p) {
				eligible = append(eligible, p)
			}
		}
		if len(eligible) != 1 {
			return "", &AutoForwardError{ChildID: child.ID(), Eligible: eligible}
		}
		return eligible[0], nil

	default:
		return "", nil
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
