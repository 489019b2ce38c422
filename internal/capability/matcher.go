// Package capability decides whether a provider's declared capabilities cover a requested service.
package capability

import (
	"context"
	_ "embed"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/spigell/service-exchange/internal/ai"
	"github.com/spigell/service-exchange/internal/logger"
	"github.com/spigell/service-exchange/internal/market"
	"github.com/spigell/service-exchange/internal/utils"
)

//go:embed prompt.md
var promptTemplate string

const (
	DefaultKeywordThreshold = 1
	DefaultTimeout          = 5 * time.Second
	DefaultMaxTokens        = 10
	defaultMaxLogLength     = 200

	answerYes = "YES"
	answerNo  = "NO"
)

// Config tunes the matcher.
type Config struct {
	// KeywordThreshold is the number of shared words the fallback needs to call it a match.
	KeywordThreshold int
	// Timeout bounds a single classifier call.
	Timeout     time.Duration
	MaxTokens   int32
	Temperature float32
	// TrustNo makes an explicit NO from the classifier final instead of
	// handing the decision to the keyword fallback.
	TrustNo      bool
	MaxLogLength int
}

// Matcher asks the classifier first and falls back to keyword overlap. It never fails.
type Matcher struct {
	classifier ai.Classifier
	cfg        Config
	logger     *zap.Logger
}

// NewMatcher creates a matcher. A nil classifier means keyword matching only.
func NewMatcher(classifier ai.Classifier, cfg *Config, log *zap.Logger) *Matcher {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.KeywordThreshold <= 0 {
		c.KeywordThreshold = DefaultKeywordThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.MaxLogLength <= 0 {
		c.MaxLogLength = defaultMaxLogLength
	}

	if d, ok := classifier.(ai.Describer); ok {
		log = logger.WithCommonFields(log, d.Provider(), d.Model())
	}

	return &Matcher{
		classifier: classifier,
		cfg:        c,
		logger:     logger.WithFields(log),
	}
}

// Matches reports whether capabilities cover service.
func (m *Matcher) Matches(ctx context.Context, service market.Service, capabilities string) bool {
	text := service.String()

	if m.classifier == nil {
		return KeywordOverlap(text, capabilities, m.cfg.KeywordThreshold)
	}

	prompt := buildPrompt(text, capabilities)

	m.logger.Debug("capability classification request",
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.String("prompt_preview", utils.TruncateForLog(prompt, m.cfg.MaxLogLength)),
	)

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	raw, err := m.classifier.Classify(callCtx, prompt, m.cfg.MaxTokens, m.cfg.Temperature)
	if err != nil {
		m.logger.Warn("capability classification failed, using keyword fallback", zap.Error(err))
		return KeywordOverlap(text, capabilities, m.cfg.KeywordThreshold)
	}

	answer := normalizeAnswer(raw)

	m.logger.Debug("capability classification response",
		zap.String("answer", answer),
		zap.String("response_preview", utils.TruncateForLog(raw, m.cfg.MaxLogLength)),
	)

	switch {
	case answer == answerYes:
		return true
	case answer == answerNo && m.cfg.TrustNo:
		return false
	}

	return KeywordOverlap(text, capabilities, m.cfg.KeywordThreshold)
}

// KeywordOverlap reports whether a and b share at least threshold distinct
// lower-cased whitespace-separated words.
func KeywordOverlap(a, b string, threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultKeywordThreshold
	}

	words := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(a)) {
		words[w] = struct{}{}
	}

	common := 0
	seen := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(b)) {
		if _, ok := words[w]; !ok {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		common++
		if common >= threshold {
			return true
		}
	}
	return false
}

func buildPrompt(service, capabilities string) string {
	template := promptTemplate
	if strings.TrimSpace(template) == "" {
		template = "Service Requested: {{SERVICE}}\nProvider Capabilities: {{CAPABILITIES}}\nAnswer YES or NO:"
	}
	prompt := strings.ReplaceAll(template, "{{SERVICE}}", service)
	return strings.ReplaceAll(prompt, "{{CAPABILITIES}}", capabilities)
}

func normalizeAnswer(raw string) string {
	fields := strings.Fields(strings.ToUpper(raw))
	if len(fields) == 0 {
		return ""
	}
	return strings.Trim(fields[0], ".,!:;'\"`*")
}
