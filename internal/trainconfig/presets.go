package trainconfig

// Model presets map short names to hub paths so CLI users don't have to
// remember full repository identifiers.
var modelPresets = map[string]string{
	"llama3-8b":   "meta-llama/Meta-Llama-3-8B-Instruct",
	"llama3-70b":  "meta-llama/Meta-Llama-3-70B-Instruct",
	"llama3.1-8b": "meta-llama/Llama-3.1-8B-Instruct",
	"qwen2.5-7b":  "Qwen/Qwen2.5-7B-Instruct",
	"qwen2.5-14b": "Qwen/Qwen2.5-14B-Instruct",
	"mistral-7b":  "mistralai/Mistral-7B-Instruct-v0.3",
	"deepseek-7b": "deepseek-ai/deepseek-llm-7b-chat",
	"phi3-mini":   "microsoft/Phi-3-mini-4k-instruct",
	"gemma2-9b":   "google/gemma-2-9b-it",
}

var templatesByPreset = map[string][]string{
	"llama3":   {"llama3-8b", "llama3-70b", "llama3.1-8b"},
	"qwen":     {"qwen2.5-7b", "qwen2.5-14b"},
	"mistral":  {"mistral-7b"},
	"deepseek": {"deepseek-7b"},
	"phi":      {"phi3-mini"},
	"gemma":    {"gemma2-9b"},
}

// ResolveModel maps a preset name to its model section, or passes a raw
// model path through unchanged.
func ResolveModel(model string) ModelSection {
	if path, ok := modelPresets[model]; ok {
		return ModelSection{ModelNameOrPath: path}
	}
	return ModelSection{ModelNameOrPath: model}
}

// TemplateForModel returns the prompt template matching a model preset,
// falling back to "default" for unknown models.
func TemplateForModel(model string) string {
	for template, presets := range templatesByPreset {
		for _, preset := range presets {
			if preset == model {
				return template
			}
		}
	}
	return "default"
}

// Presets lists the known preset names.
func Presets() []string {
	names := make([]string, 0, len(modelPresets))
	for name := range modelPresets {
		names = append(names, name)
	}
	return names
}
