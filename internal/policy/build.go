package policy

import "github.com/nulpointcorp/llm-gateway/internal/configstore"

// Build constructs the ordered hook Set a Policy document describes,
// preserving control order (SPEC_FULL.md §4.4 "Ordering").
func Build(doc configstore.PolicyDoc) Set {
	hooks := make(Set, 0, len(doc.Controls))
	for _, c := range doc.Controls {
		switch c.Kind {
		case configstore.ControlInvisibleText:
			hooks = append(hooks, NewInvisibleTextHook(c))
		case configstore.ControlLanguages:
			hooks = append(hooks, NewLanguagesHook(c))
		case configstore.ControlPromptInjection:
			hooks = append(hooks, NewInjectionHook(c))
		case configstore.ControlTopics:
			hooks = append(hooks, NewTopicsHook(c))
		case configstore.ControlPII:
			hooks = append(hooks, NewPIIHook(c))
		case configstore.ControlCodeProvenance:
			hooks = append(hooks, NewCodeProvenanceHook(c))
		}
	}
	return hooks
}
