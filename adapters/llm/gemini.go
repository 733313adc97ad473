package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
)

const (
	defaultModel           = "gemini-2.0-flash"
	defaultTemperature     = 0.7
	defaultClassifyTemp    = 0.3
	defaultMaxTokens       = 200
	defaultSuggestMaxToken = 150
)

// GeminiConfig holds configuration for the Gemini adapter
type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	MaxOutputTokens int
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("Google AI API key is required")
	}

	if config.Temperature != 0 && (config.Temperature < 0 || config.Temperature > 1) {
		return fmt.Errorf("temperature must be between 0 and 1, got %f", config.Temperature)
	}

	if config.MaxOutputTokens < 0 {
		return fmt.Errorf("max output tokens must be positive, got %d", config.MaxOutputTokens)
	}

	return nil
}

// contentGenerator is the slice of the genai client the adapter uses
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiLLM implements the LargeLanguageModel interface using Google's Gemini API
type GeminiLLM struct {
	models          contentGenerator
	model           string
	temperature     float32
	maxOutputTokens int
	logger          *zap.Logger
}

var _ repositories.LargeLanguageModel = (*GeminiLLM)(nil)

// NewGeminiLLM creates a new Gemini LLM instance
func NewGeminiLLM(ctx context.Context, config GeminiConfig, logger *zap.Logger) (*GeminiLLM, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return newGeminiLLM(client.Models, config, logger), nil
}

func newGeminiLLM(models contentGenerator, config GeminiConfig, logger *zap.Logger) *GeminiLLM {
	logger = logger.With(zap.String("component", "gemini"))

	model := config.Model
	if model == "" {
		model = defaultModel
		logger.Info("Using default model", zap.String("model", model))
	}

	temperature := config.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
		logger.Info("Using default temperature", zap.Float32("temperature", temperature))
	}

	maxOutputTokens := config.MaxOutputTokens
	if maxOutputTokens == 0 {
		maxOutputTokens = defaultMaxTokens
		logger.Info("Using default maxOutputTokens", zap.Int("maxOutputTokens", maxOutputTokens))
	}

	return &GeminiLLM{
		models:          models,
		model:           model,
		temperature:     temperature,
		maxOutputTokens: maxOutputTokens,
		logger:          logger,
	}
}

// Classify asks the model which department should take the call
func (g *GeminiLLM) Classify(ctx context.Context, transcript string, history []entities.Utterance) (repositories.Classification, error) {
	contents := append(convertHistory(history), genai.NewContentFromText("Запрос клиента: "+transcript, genai.RoleUser))
	text, err := g.generate(ctx, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(classifierPrompt, genai.RoleUser),
		Temperature:       genai.Ptr[float32](defaultClassifyTemp),
		MaxOutputTokens:   int32(g.maxOutputTokens),
		ResponseMIMEType:  "application/json",
	})
	if err != nil {
		return repositories.Classification{}, err
	}
	c, err := parseClassification(text)
	if err != nil {
		g.logger.Warn("Unusable classifier response", zap.String("response", text), zap.Error(err))
		return repositories.Classification{}, err
	}
	return c, nil
}

// Reply produces the AI consultant's answer
func (g *GeminiLLM) Reply(ctx context.Context, utterance string, history []entities.Utterance) (string, error) {
	contents := append(convertHistory(history), genai.NewContentFromText(utterance, genai.RoleUser))
	return g.generate(ctx, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(consultantPrompt, genai.RoleUser),
		Temperature:       genai.Ptr(g.temperature),
		MaxOutputTokens:   int32(g.maxOutputTokens),
	})
}

// Suggest produces a short hint for the operator
func (g *GeminiLLM) Suggest(ctx context.Context, utterance string, history []entities.Utterance) (string, error) {
	prompt := fmt.Sprintf("Контекст разговора:\n%s\n\nПоследняя реплика клиента: %s\n\nДай подсказку оператору:",
		renderHistory(history), utterance)
	return g.generate(ctx, []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(supervisorPrompt, genai.RoleUser),
		Temperature:       genai.Ptr(g.temperature),
		MaxOutputTokens:   defaultSuggestMaxToken,
	})
}

func (g *GeminiLLM) generate(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig) (string, error) {
	response, err := g.models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}
	if len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return "", errors.New("gemini returned no candidates")
	}

	var sb strings.Builder
	for _, part := range response.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			sb.WriteString(part.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", errors.New("gemini returned empty content")
	}
	return text, nil
}

// parseClassification decodes the classifier's JSON verdict. Models sometimes
// wrap JSON in a markdown fence.
func parseClassification(text string) (repositories.Classification, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var c repositories.Classification
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &c); err != nil {
		return repositories.Classification{}, fmt.Errorf("invalid classifier response: %w", err)
	}
	if c.Label == "" {
		return repositories.Classification{}, errors.New("classifier response has no route_to")
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return repositories.Classification{}, fmt.Errorf("classifier confidence %f out of range", c.Confidence)
	}
	return c, nil
}

// convertHistory converts the call transcript to Gemini contents
func convertHistory(history []entities.Utterance) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, u := range history {
		var role genai.Role = genai.RoleUser
		if u.Speaker == entities.SpeakerAI {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(u.Text, role))
	}
	return contents
}

func renderHistory(history []entities.Utterance) string {
	lines := make([]string, 0, len(history))
	for _, u := range history {
		speaker := "Клиент"
		if u.Speaker != entities.SpeakerCaller {
			speaker = "Оператор"
		}
		lines = append(lines, speaker+": "+u.Text)
	}
	return strings.Join(lines, "\n")
}
