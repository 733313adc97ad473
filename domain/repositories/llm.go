package repositories

import (
	"context"

	"github.com/satriahrh/callbridge/domain/entities"
)

// Classifier assigns an intent label to a conversation
type Classifier interface {
	Classify(ctx context.Context, transcript string, history []entities.Utterance) (Classification, error)
}

// Classification is the classifier verdict. Label is a route or intent name.
type Classification struct {
	Label      string  `json:"route_to"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Responder produces the AI's conversational reply
type Responder interface {
	Reply(ctx context.Context, utterance string, history []entities.Utterance) (string, error)
}

// Advisor produces short hints for a supervising operator
type Advisor interface {
	Suggest(ctx context.Context, utterance string, history []entities.Utterance) (string, error)
}

// LargeLanguageModel abstracts any chat/LLM provider serving the call
type LargeLanguageModel interface {
	Classifier
	Responder
	Advisor
}
