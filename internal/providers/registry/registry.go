// Package registry maps vendor names to wire adapters. Wire-compatible
// vendors (groq, mistral) construct the shared bearer-token implementation
// with their own endpoint and model defaults instead of duplicating it.
package registry

import (
	"fmt"
	"strings"

	"agentdesk/internal/providers"
	"agentdesk/internal/providers/anthropicwire"
	"agentdesk/internal/providers/localwire"
	"agentdesk/internal/providers/openaiwire"
)

// Known returns whether a vendor name resolves to an adapter.
func Known(vendor string) bool {
	_, err := ForVendor(vendor)
	return err == nil
}

// ForVendor returns the adapter serving the named vendor.
func ForVendor(vendor string) (providers.Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(vendor)) {
	case "anthropic":
		return anthropicwire.New(anthropicwire.Config{}), nil

	case "openai":
		return openaiwire.New(openaiwire.Config{}), nil

	case "groq":
		return openaiwire.New(openaiwire.Config{
			Endpoint:     "https://api.groq.com/openai/v1/chat/completions",
			DefaultModel: "llama-3.1-8b-instant",
		}), nil

	case "mistral":
		return openaiwire.New(openaiwire.Config{
			Endpoint:     "https://api.mistral.ai/v1/chat/completions",
			DefaultModel: "mistral-small-latest",
		}), nil

	case "ollama":
		return localwire.New(localwire.Config{}), nil

	default:
		return nil, fmt.Errorf("unsupported provider vendor %q", vendor)
	}
}
