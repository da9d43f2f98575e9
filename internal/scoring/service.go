package scoring

import (
	"context"
	"fmt"
	"log/slog"

	"librarian/internal/model"
)

// Store persists rules.
type Store interface {
	UpsertRule(ctx context.Context, rule *model.Rule) error
	ListRules(ctx context.Context, userID string) ([]model.Rule, error)
	DeleteRule(ctx context.Context, userID string, id int64) error
}

// Service manages the rules of users.
type Service struct {
	store Store
	log   *slog.Logger
}

// NewService creates a rule service.
func NewService(store Store, log *slog.Logger) *Service {
	return &Service{store: store, log: log}
}

// CreateOrUpdateRule validates the rule and stores it. A rule with the same
// tag sets for the user is updated in place. Nothing is stored when
// validation fails.
func (s *Service) CreateOrUpdateRule(ctx context.Context, rule *model.Rule) error {
	if err := ValidateRule(*rule); err != nil {
		return fmt.Errorf("validate rule: %w", err)
	}
	if err := s.store.UpsertRule(ctx, rule); err != nil {
		return fmt.Errorf("store rule: %w", err)
	}
	s.log.Info("rule saved", "user_id", rule.UserID, "rule_id", rule.ID, "score", rule.Score)
	return nil
}

// DeleteRule removes a rule owned by the user.
func (s *Service) DeleteRule(ctx context.Context, userID string, id int64) error {
	if err := s.store.DeleteRule(ctx, userID, id); err != nil {
		return fmt.Errorf("delete rule %d: %w", id, err)
	}
	return nil
}

// Rules returns the rules of a user.
func (s *Service) Rules(ctx context.Context, userID string) ([]model.Rule, error) {
	return s.store.ListRules(ctx, userID)
}
