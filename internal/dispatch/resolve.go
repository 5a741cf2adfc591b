package dispatch

import "github.com/mattjoyce/agentrelay/internal/provider"

// Resolve picks the provider an invocation runs on.
//
// A fixed selection, or any selection paired with an explicit model, uses its
// first name without probing. A fallback list (empty or unset means
// provider.DefaultOrder) returns the first available entry. When nothing is
// available the first default provider is returned so the executor reports it
// as not installed.
func Resolve(avail Availability, sel provider.Selection, model string) string {
	if sel.IsZero() {
		sel = provider.Fallback()
	}
	if !sel.IsFallback() || model != "" {
		return sel.First()
	}
	for _, name := range sel.Names() {
		if avail != nil && avail.Available(name) {
			return name
		}
	}
	return provider.DefaultOrder[0]
}
