package repositories

import (
	"context"

	"github.com/satriahrh/callbridge/domain/entities"
)

// RuleRepository is the read-only source of routing rules
type RuleRepository interface {
	ListActive(ctx context.Context) ([]entities.RoutingRule, error)
}

// CallRepository persists finished call records
type CallRepository interface {
	Save(ctx context.Context, call entities.CallSnapshot) error
	GetByID(ctx context.Context, id string) (*entities.CallSnapshot, error)
}
