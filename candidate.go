package keyrouter

// resolveResource maps a requested model name to a configured resource.
// Aliases win over direct names.
func resolveResource(aliases map[string]string, policies map[string]Policy, model string) (string, bool) {
	if target, ok := aliases[model]; ok {
		model = target
	}
	_, ok := policies[model]
	return model, ok
}

// buildCandidates returns, in config order, the healthy keys serving resource
// that are not excluded.
func buildCandidates(keys []KeyConfig, health *HealthTracker, resource string, exclude map[string]bool) []string {
	var candidates []string
	for _, k := range keys {
		if !k.Serves(resource) || exclude[k.ID] {
			continue
		}
		if health.GetHealth(k.ID) == HealthUnhealthy {
			continue
		}
		candidates = append(candidates, k.ID)
	}
	return candidates
}
