package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
)

// RuleRepository reads routing rules from the "routing_rules" collection
type RuleRepository struct {
	collection *mongo.Collection
}

// NewRuleRepository creates a new MongoDB rule repository
func NewRuleRepository(db *mongo.Database) *RuleRepository {
	return &RuleRepository{
		collection: db.Collection("routing_rules"),
	}
}

var _ repositories.RuleRepository = (*RuleRepository)(nil)

// ListActive implements repositories.RuleRepository
func (r *RuleRepository) ListActive(ctx context.Context) ([]entities.RoutingRule, error) {
	opts := options.Find().SetSort(bson.D{{Key: "priority", Value: -1}})
	cursor, err := r.collection.Find(ctx, bson.M{"active": true}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list routing rules: %w", err)
	}
	defer cursor.Close(ctx)

	rules := make([]entities.RoutingRule, 0)
	if err := cursor.All(ctx, &rules); err != nil {
		return nil, fmt.Errorf("failed to decode routing rules: %w", err)
	}
	return rules, nil
}

// Upsert stores rule keyed by its name
func (r *RuleRepository) Upsert(ctx context.Context, rule entities.RoutingRule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	rule.ID = ""
	_, err := r.collection.ReplaceOne(ctx,
		bson.M{"name": rule.Name},
		rule,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert rule %s: %w", rule.Name, err)
	}
	return nil
}
