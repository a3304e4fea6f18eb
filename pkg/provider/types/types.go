package types

// CompletionResult is the normalized text completion payload.
type CompletionResult struct {
	Text     string
	Metadata Metadata
}

// Metadata carries provider/model identity and optional usage accounting.
type Metadata struct {
	Provider string
	Model    string
	Usage    *TokenUsage
}

// TokenUsage captures token accounting for one request.
type TokenUsage struct {
	InputTokens     int64
	OutputTokens    int64
	TotalTokens     int64
	ReasoningTokens int64
	CacheReadTokens int64
}

// IsZero reports whether all token counters are unset/zero.
func (u TokenUsage) IsZero() bool {
	return u.InputTokens == 0 &&
		u.OutputTokens == 0 &&
		u.TotalTokens == 0 &&
		u.ReasoningTokens == 0 &&
		u.CacheReadTokens == 0
}

// Image is one generated image. Exactly one of Data or URL is set: models
// that return base64 fill Data, hosted-URL models fill URL.
type Image struct {
	Data          []byte
	URL           string
	ContentType   string
	Model         string
	RevisedPrompt string
}
