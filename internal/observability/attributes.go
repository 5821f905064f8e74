// Package observability provides the engine's OpenTelemetry metrics.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod      = "method"
	attrPath        = "path"
	attrStatus      = "status"
	attrDestination = "destination"
	attrState       = "state"
	attrKind        = "error_kind"
	attrReason      = "reason"
	attrOutcome     = "outcome"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func destinationAttr(id string) attribute.KeyValue {
	return attribute.String(attrDestination, id)
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, state)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

// idRoutes maps collection prefixes to the placeholder of their id segment.
var idRoutes = []struct{ prefix, placeholder string }{
	{"/v1/jobs/", "{jobId}"},
	{"/v1/invocations/", "{invocationId}"},
	{"/v1/collections/", "{collectionId}"},
	{"/v1/objects/", "{ref}"},
}

// normalizePath replaces dynamic path segments with placeholders.
// /v1/jobs/abc123/ports -> /v1/jobs/{jobId}/ports
func normalizePath(path string) string {
	for _, r := range idRoutes {
		rest, ok := strings.CutPrefix(path, r.prefix)
		if !ok || rest == "" {
			continue
		}
		if _, tail, found := strings.Cut(rest, "/"); found {
			return r.prefix + r.placeholder + "/" + tail
		}
		return r.prefix + r.placeholder
	}
	return path
}
