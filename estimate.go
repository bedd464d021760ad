package keyrouter

// EstimateTokens provides a rough token count estimate for messages, for
// callers that have no tokenizer for the upstream model.
// Uses the approximation: ~4 chars per token + overhead per message.
func EstimateTokens(messages []Message) int64 {
	var total int64
	for _, m := range messages {
		total += int64(len(m.Content)) / 4
		// role and formatting
		total += 4
	}
	if len(messages) > 0 {
		total += 3
	}
	return total
}
