package rules

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
)

// document is the on-disk shape of a rules file
type document struct {
	Rules []fileRule `yaml:"rules"`
}

// fileRule mirrors entities.RoutingRule; an omitted active flag means active
type fileRule struct {
	Name     string   `yaml:"name"`
	Keywords []string `yaml:"keywords"`
	Intent   string   `yaml:"intent"`
	RouteTo  string   `yaml:"route_to"`
	Priority int      `yaml:"priority"`
	Active   *bool    `yaml:"active"`
}

// FileRuleRepository reads routing rules from a YAML file. The file is read
// on every ListActive so edits are picked up by the next refresh.
type FileRuleRepository struct {
	path   string
	logger *zap.Logger
}

var _ repositories.RuleRepository = (*FileRuleRepository)(nil)

// NewFileRuleRepository creates a repository over path
func NewFileRuleRepository(path string, logger *zap.Logger) *FileRuleRepository {
	return &FileRuleRepository{
		path:   path,
		logger: logger.With(zap.String("component", "rules_file"), zap.String("path", path)),
	}
}

// ListActive implements repositories.RuleRepository
func (r *FileRuleRepository) ListActive(ctx context.Context) ([]entities.RoutingRule, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	rules, err := Parse(data)
	if err != nil {
		return nil, err
	}

	active := make([]entities.RoutingRule, 0, len(rules))
	for _, rule := range rules {
		if !rule.Active {
			continue
		}
		if err := rule.Validate(); err != nil {
			r.logger.Warn("Skipping invalid rule", zap.String("rule", rule.Name), zap.Error(err))
			continue
		}
		active = append(active, rule)
	}
	r.logger.Debug("Loaded rules", zap.Int("total", len(rules)), zap.Int("active", len(active)))
	return active, nil
}

// Parse decodes a rules document
func Parse(data []byte) ([]entities.RoutingRule, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	rules := make([]entities.RoutingRule, 0, len(doc.Rules))
	for _, fr := range doc.Rules {
		active := true
		if fr.Active != nil {
			active = *fr.Active
		}
		rules = append(rules, entities.RoutingRule{
			Name:     fr.Name,
			Keywords: fr.Keywords,
			Intent:   fr.Intent,
			RouteTo:  fr.RouteTo,
			Priority: fr.Priority,
			Active:   active,
		})
	}
	return rules, nil
}
