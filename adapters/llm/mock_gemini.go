package llm

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
)

// MockLLM is an offline stand-in for Gemini. It always defers routing to
// the catch-all and answers with canned phrases.
type MockLLM struct {
	logger *zap.Logger
}

var _ repositories.LargeLanguageModel = (*MockLLM)(nil)

// NewMockLLM creates a new mock LLM
func NewMockLLM(logger *zap.Logger) *MockLLM {
	return &MockLLM{logger: logger.With(zap.String("component", "mock_llm"))}
}

// Classify implements repositories.Classifier
func (m *MockLLM) Classify(ctx context.Context, transcript string, history []entities.Utterance) (repositories.Classification, error) {
	return repositories.Classification{
		Label:      "ai_consultant",
		Confidence: 1.0,
		Reason:     "mock classifier",
	}, nil
}

// Reply implements repositories.Responder
func (m *MockLLM) Reply(ctx context.Context, utterance string, history []entities.Utterance) (string, error) {
	if strings.TrimSpace(utterance) == "" {
		return "Извините, я вас не расслышал. Повторите, пожалуйста.", nil
	}
	m.logger.Debug("Mock reply", zap.Int("historyLen", len(history)))
	return fmt.Sprintf("Спасибо, я понял: «%s». Чем ещё могу помочь?", utterance), nil
}

// Suggest implements repositories.Advisor
func (m *MockLLM) Suggest(ctx context.Context, utterance string, history []entities.Utterance) (string, error) {
	return "Уточните у клиента номер заказа.", nil
}
