// Package registry holds the static model catalogue the proxy serves and the
// mapping from client-facing model names onto the upstream Kiro models. The
// upstream set is fixed, so there is no dynamic registration: what clients
// can list and what gets sent upstream both come from here.
package registry

import "strings"

// Upstream model identifiers accepted by the Kiro conversation endpoint.
const (
	UpstreamSonnet4  = "claude-sonnet-4"
	UpstreamSonnet45 = "claude-sonnet-4.5"
	UpstreamHaiku45  = "claude-haiku-4.5"
	UpstreamOpus45   = "claude-opus-4.5"
	DefaultUpstream  = UpstreamSonnet4
)

// ModelInfo describes one entry of the client-visible model list.
type ModelInfo struct {
	ID          string `json:"id"`
	Object      string `json:"object"`
	Created     int64  `json:"created"`
	OwnedBy     string `json:"owned_by"`
	DisplayName string `json:"display_name,omitempty"`
}

// modelAliases is the exact client-to-upstream mapping. Names missing here
// fall through to the family heuristics in MapModel.
var modelAliases = map[string]string{
	"gpt-4o":            UpstreamSonnet4,
	"gpt-4":             UpstreamSonnet4,
	"gpt-4-turbo":       UpstreamSonnet4,
	"gpt-4o-mini":       UpstreamHaiku45,
	"gpt-3.5-turbo":     UpstreamHaiku45,
	"o1":                UpstreamOpus45,
	"o1-preview":        UpstreamOpus45,
	"o1-mini":           UpstreamSonnet4,
	"claude-sonnet-4":   UpstreamSonnet4,
	"claude-sonnet-4.5": UpstreamSonnet45,
	"claude-haiku-4.5":  UpstreamHaiku45,
	"claude-opus-4.5":   UpstreamOpus45,
}

// MapModel resolves a client model name to the upstream model id. Exact
// aliases win; dated Claude releases map to their family; anything else is
// routed by family keyword, defaulting to claude-sonnet-4.
func MapModel(clientModel string) string {
	name := strings.ToLower(strings.TrimSpace(clientModel))
	if upstream, ok := modelAliases[name]; ok {
		return upstream
	}
	// Dated or suffixed releases, e.g. claude-sonnet-4.5-20250929.
	if strings.HasPrefix(name, "claude-sonnet-4.5") {
		return UpstreamSonnet45
	}
	if strings.HasPrefix(name, "claude-sonnet-4") {
		return UpstreamSonnet4
	}
	switch {
	case strings.Contains(name, "opus"):
		return UpstreamOpus45
	case strings.Contains(name, "haiku"):
		return UpstreamHaiku45
	case strings.Contains(name, "sonnet"):
		return UpstreamSonnet45
	}
	return DefaultUpstream
}

// ClientModels returns the static list served on /v1/models.
func ClientModels() []*ModelInfo {
	return []*ModelInfo{
		{ID: "claude-sonnet-4", Object: "model", Created: 1715644800, OwnedBy: "anthropic", DisplayName: "Claude 4 Sonnet"},
		{ID: "claude-sonnet-4.5", Object: "model", Created: 1758672000, OwnedBy: "anthropic", DisplayName: "Claude 4.5 Sonnet"},
		{ID: "claude-haiku-4.5", Object: "model", Created: 1760486400, OwnedBy: "anthropic", DisplayName: "Claude 4.5 Haiku"},
		{ID: "claude-opus-4.5", Object: "model", Created: 1763942400, OwnedBy: "anthropic", DisplayName: "Claude 4.5 Opus"},
		{ID: "gpt-4o", Object: "model", Created: 1715367600, OwnedBy: "openai", DisplayName: "GPT-4o (served by Claude 4 Sonnet)"},
		{ID: "gpt-4o-mini", Object: "model", Created: 1721172000, OwnedBy: "openai", DisplayName: "GPT-4o mini (served by Claude 4.5 Haiku)"},
		{ID: "gpt-4", Object: "model", Created: 1687882411, OwnedBy: "openai", DisplayName: "GPT-4 (served by Claude 4 Sonnet)"},
		{ID: "gpt-3.5-turbo", Object: "model", Created: 1677610602, OwnedBy: "openai", DisplayName: "GPT-3.5 Turbo (served by Claude 4.5 Haiku)"},
		{ID: "o1", Object: "model", Created: 1734375816, OwnedBy: "openai", DisplayName: "o1 (served by Claude 4.5 Opus)"},
		{ID: "o1-preview", Object: "model", Created: 1725648897, OwnedBy: "openai", DisplayName: "o1 preview (served by Claude 4.5 Opus)"},
	}
}
