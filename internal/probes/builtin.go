package probes

import (
	"fmt"

	"github.com/valifi/fortify/internal/audit"
	"github.com/valifi/fortify/internal/invoker"
	"github.com/valifi/fortify/internal/validator"
)

// ForKind builds a built-in probe by its configuration name. task, when
// non-empty, overrides the task sent by probes that exercise the agent.
func ForKind(kind, task string, inv invoker.Invoker, reader audit.Reader) (validator.Probe, error) {
	switch kind {
	case "injection":
		return NewInjectionProbe(inv, InjectionConfig{}), nil
	case "load":
		return NewLoadProbe(inv, LoadConfig{Task: task}), nil
	case "resource":
		return NewResourceProbe(inv, ResourceConfig{Task: task}), nil
	case "error_handling":
		return NewErrorHandlingProbe(inv, ErrorHandlingConfig{}), nil
	case "audit_trail":
		if reader == nil {
			return nil, fmt.Errorf("audit_trail probe requires an audit log reader")
		}
		return NewAuditTrailProbe(inv, reader, AuditTrailConfig{}), nil
	default:
		return nil, fmt.Errorf("unknown probe kind: %s", kind)
	}
}
