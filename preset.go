package keyrouter

// PresetGroq names the built-in Groq free-tier table.
const PresetGroq = "groq"

func presetPolicies(name string) map[string]Policy {
	switch name {
	case "":
		return map[string]Policy{}
	case PresetGroq:
		return GroqPolicies()
	default:
		return nil
	}
}

func limits(rpm, rpd, tpm, tpd int64) Policy {
	l := func(n int64) Limit {
		if n == 0 {
			return Unlimited()
		}
		return Max(n)
	}
	return Policy{
		RequestsPerMinute: l(rpm),
		RequestsPerDay:    l(rpd),
		TokensPerMinute:   l(tpm),
		TokensPerDay:      l(tpd),
	}
}

// GroqPolicies returns the Groq free-tier limits per model. Zero entries
// below are unlimited.
func GroqPolicies() map[string]Policy {
	return map[string]Policy{
		"allam-2-7b":                                    limits(30, 7000, 6000, 0),
		"compound-beta":                                 limits(15, 200, 70000, 0),
		"compound-beta-mini":                            limits(15, 200, 70000, 0),
		"deepseek-r1-distill-llama-70b":                 limits(30, 1000, 6000, 0),
		"gemma2-9b-it":                                  limits(30, 14400, 15000, 500000),
		"llama-3.1-8b-instant":                          limits(30, 14400, 6000, 500000),
		"llama-3.3-70b-versatile":                       limits(30, 1000, 12000, 100000),
		"llama-guard-3-8b":                              limits(30, 14400, 15000, 500000),
		"llama3-70b-8192":                               limits(30, 14400, 6000, 500000),
		"llama3-8b-8192":                                limits(30, 14400, 6000, 500000),
		"meta-llama/llama-4-maverick-17b-128e-instruct": limits(30, 1000, 6000, 0),
		"meta-llama/llama-4-scout-17b-16e-instruct":     limits(30, 1000, 30000, 0),
		"meta-llama/llama-guard-4-12b":                  limits(30, 14400, 15000, 500000),
		"meta-llama/llama-prompt-guard-2-22m":           limits(30, 14400, 15000, 0),
		"meta-llama/llama-prompt-guard-2-86m":           limits(30, 14400, 15000, 0),
		"mistral-saba-24b":                              limits(30, 1000, 6000, 500000),
		"playai-tts":                                    limits(10, 100, 1200, 3600),
		"playai-tts-arabic":                             limits(10, 100, 1200, 3600),
		"qwen-qwq-32b":                                  limits(30, 1000, 6000, 0),
	}
}

// GroqAliases returns the short model names used by the Groq proxy.
func GroqAliases() map[string]string {
	return map[string]string{
		"test":       "allam-2-7b",
		"auto":       "llama-3.1-8b-instant",
		"fast":       "llama-3.1-8b-instant",
		"smart":      "llama3-70b-8192",
		"smart-long": "llama-3.3-70b-versatile",
		"reasoning":  "deepseek-r1-distill-llama-70b",
		"reasoning2": "qwen-qwq-32b",
	}
}
