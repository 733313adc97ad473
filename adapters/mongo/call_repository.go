package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/satriahrh/callbridge/domain/entities"
	"github.com/satriahrh/callbridge/domain/repositories"
)

// CallRepository stores call records in the "calls" collection, keyed by
// call ID
type CallRepository struct {
	collection *mongo.Collection
}

// NewCallRepository creates a new MongoDB call repository
func NewCallRepository(db *mongo.Database) *CallRepository {
	return &CallRepository{
		collection: db.Collection("calls"),
	}
}

var _ repositories.CallRepository = (*CallRepository)(nil)

// Save implements repositories.CallRepository. Saving the same call twice
// replaces the earlier record.
func (r *CallRepository) Save(ctx context.Context, call entities.CallSnapshot) error {
	if err := call.Validate(); err != nil {
		return fmt.Errorf("invalid call record: %w", err)
	}

	_, err := r.collection.ReplaceOne(ctx,
		bson.M{"_id": call.ID},
		call,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save call %s: %w", call.ID, err)
	}
	return nil
}

// GetByID implements repositories.CallRepository. A missing call returns
// nil without error.
func (r *CallRepository) GetByID(ctx context.Context, id string) (*entities.CallSnapshot, error) {
	if id == "" {
		return nil, errors.New("call ID cannot be empty")
	}

	var call entities.CallSnapshot
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&call)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get call %s: %w", id, err)
	}
	return &call, nil
}
