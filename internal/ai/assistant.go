package ai

import "context"

// Classifier answers a short prompt with a short text. Implementations may be
// slow or unreliable; callers are expected to bound them with a context deadline.
type Classifier interface {
	Classify(ctx context.Context, prompt string, maxTokens int32, temperature float32) (string, error)
}

// Describer is implemented by classifiers that can name their provider and model for logging.
type Describer interface {
	Provider() string
	Model() string
}
