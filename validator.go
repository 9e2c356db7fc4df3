package taskgraph

import "reflect"

// Validator checks that a produced or forwarded value satisfies a node's
// or parameter's declared type. A nil Validator disables validation, which
// is the default: most graphs lean on Go's own compile-time typing of
// single-shot and streaming callables and only need a Validator at the
// dynamically-typed forwarding boundary.
type Validator func(v any) error

// TypeValidator builds a Validator that accepts v iff its concrete type is
// assignable to want.
func TypeValidator(want reflect.Type) Validator {
	return func(v any) error {
		if v == nil {
			return &MismatchChunkTypeError{Reason: "nil value, want " + want.String()}
		}
		got := reflect.TypeOf(v)
		if want.Kind() == reflect.Interface {
			if !got.Implements(want) {
				return &MismatchChunkTypeError{Value: v, Reason: "does not implement " + want.String()}
			}
			return nil
		}
		if !got.AssignableTo(want) {
			return &MismatchChunkTypeError{Value: v, Reason: "not assignable to " + want.String()}
		}
		return nil
	}
}
