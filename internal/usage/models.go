package usage

import "strings"

const (
	ModelOpus    = "Opus"
	ModelSonnet  = "Sonnet"
	ModelHaiku   = "Haiku"
	ModelUnknown = "Unknown"
)

var modelFamilies = []struct {
	needle string
	name   string
}{
	{needle: "opus", name: ModelOpus},
	{needle: "sonnet", name: ModelSonnet},
	{needle: "haiku", name: ModelHaiku},
}

// NormalizeModel maps a raw model identifier onto its family bucket.
// Unrecognized names pass through unchanged.
func NormalizeModel(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ModelUnknown
	}
	lower := strings.ToLower(trimmed)
	for _, family := range modelFamilies {
		if strings.Contains(lower, family.needle) {
			return family.name
		}
	}
	return trimmed
}
