package types

import "strings"

// Tag prefixes recognized by the kernel. Tags are plain strings in the
// graph store; parsing is centralized here so new gate types don't scatter
// string matching across the dispatcher and verifier.
const (
	TagPrefixAsset      = "asset:"
	TagPrefixGate       = "gate:"
	TagPrefixGateConfig = "gate:config:"
	TagPrefixIteration  = "iteration:"
)

// RoutingHints is the structured view of an issue's routing tags.
type RoutingHints struct {
	// AssetCategory is the category from the first asset:<category> tag,
	// empty when the issue is not asset work.
	AssetCategory string
	// GateConfigID is the override from a gate:config:<id> tag.
	GateConfigID string
	// Flags holds the remaining gate:<flag> switches (godot, engine,
	// asset-only, ...), keyed by flag name.
	Flags map[string]bool
}

// ParseRoutingHints extracts routing signals from an issue's tag list.
// Unrecognized tags are ignored; the first asset: tag wins.
func ParseRoutingHints(tags []string) RoutingHints {
	hints := RoutingHints{Flags: make(map[string]bool)}
	for _, tag := range tags {
		switch {
		case strings.HasPrefix(tag, TagPrefixGateConfig):
			// Must be checked before the plain gate: prefix.
			if id := strings.TrimPrefix(tag, TagPrefixGateConfig); id != "" {
				hints.GateConfigID = id
			}
		case strings.HasPrefix(tag, TagPrefixGate):
			if flag := strings.TrimPrefix(tag, TagPrefixGate); flag != "" {
				hints.Flags[flag] = true
			}
		case strings.HasPrefix(tag, TagPrefixAsset):
			if cat := strings.TrimPrefix(tag, TagPrefixAsset); cat != "" && hints.AssetCategory == "" {
				hints.AssetCategory = cat
			}
		}
	}
	return hints
}

// IsAsset reports whether the tags mark this as asset work.
func (h RoutingHints) IsAsset() bool {
	return h.AssetCategory != ""
}

// WantsEngineGate reports whether a fab-godot gate should be added.
func (h RoutingHints) WantsEngineGate() bool {
	return h.Flags["godot"] || h.Flags["engine"]
}

// AssetOnly reports whether the default code gates should be dropped.
func (h RoutingHints) AssetOnly() bool {
	return h.Flags["asset-only"]
}
