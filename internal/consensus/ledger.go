package consensus

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// creditRef names what a weight credit was paid for.
type creditRef struct {
	projectID  string
	proposalID string
}

// credit adds amount to the user's balance inside the caller's transaction and appends
// the audit row. A zero amount writes nothing.
func (s *Service) credit(scope *txScope, userID string, amount int64, reason RewardReason, ref creditRef) error {
	if amount < 0 {
		return s.storeError(scope, reasonInvalidInput, fmt.Errorf("negative credit %d for %s", amount, userID))
	}
	if amount == 0 {
		return nil
	}
	if err := s.insertProfileIfMissing(scope, userID); err != nil {
		return err
	}
	update := scope.tx.Model(&Profile{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			"weight":       gorm.Expr("weight + ?", amount),
			"updated_at_s": scope.nowSeconds,
		})
	if update.Error != nil {
		return s.storeError(scope, reasonWriteFailed, update.Error, zap.String("user_id", userID))
	}
	if update.RowsAffected != 1 {
		return s.storeError(scope, reasonWriteFailed,
			fmt.Errorf("credit touched %d profiles", update.RowsAffected), zap.String("user_id", userID))
	}

	creditID, err := s.newID(scope)
	if err != nil {
		return err
	}
	record := WeightCredit{
		CreditID:         creditID,
		UserID:           userID,
		Amount:           amount,
		Reason:           reason,
		CreatedAtSeconds: scope.nowSeconds,
	}
	if ref.projectID != "" {
		record.ProjectID = stringPointer(ref.projectID)
	}
	if ref.proposalID != "" {
		record.ProposalID = stringPointer(ref.proposalID)
	}
	if err := scope.tx.Create(&record).Error; err != nil {
		return s.storeError(scope, reasonWriteFailed, err, zap.String("user_id", userID))
	}
	scope.afterCommit = append(scope.afterCommit, func() {
		s.metrics.RewardIssued(string(reason), amount)
	})
	return nil
}

func (s *Service) insertProfileIfMissing(scope *txScope, userID string) error {
	profile := Profile{
		UserID:           userID,
		Weight:           s.rules.InitialWeight,
		UpdatedAtSeconds: scope.nowSeconds,
	}
	err := scope.tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&profile).Error
	if err != nil {
		return s.storeError(scope, reasonWriteFailed, err, zap.String("user_id", userID))
	}
	return nil
}

// currentWeight reads the balance used to stamp a new vote.
func (s *Service) currentWeight(scope *txScope, userID string) (int64, error) {
	var profile Profile
	err := scope.tx.Where("user_id = ?", userID).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("%w: profile %s", ErrNotFound, userID)
	}
	if err != nil {
		return 0, s.storeError(scope, reasonQueryFailed, err, zap.String("user_id", userID))
	}
	return profile.Weight, nil
}

// EnsureProfile creates the user's profile with the initial weight unless it already exists.
func (s *Service) EnsureProfile(ctx context.Context, userID UserID) (Profile, error) {
	var profile Profile
	err := s.runTransaction(ctx, opEnsureProfile, func(scope *txScope) error {
		if err := s.insertProfileIfMissing(scope, userID.String()); err != nil {
			return err
		}
		if err := scope.tx.Where("user_id = ?", userID.String()).Take(&profile).Error; err != nil {
			return s.storeError(scope, reasonQueryFailed, err, zap.String("user_id", userID.String()))
		}
		return nil
	})
	if err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// CurrentWeight returns the user's balance.
func (s *Service) CurrentWeight(ctx context.Context, userID UserID) (int64, error) {
	var profile Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, s.failure(opCurrentWeight, fmt.Errorf("%w: profile %s", ErrNotFound, userID))
	}
	if err != nil {
		s.logError(opCurrentWeight, reasonQueryFailed, err, zap.String("user_id", userID.String()))
		return 0, newServiceError(opCurrentWeight, reasonQueryFailed, err)
	}
	return profile.Weight, nil
}

// ListWeightCredits returns the user's credit history, newest first.
func (s *Service) ListWeightCredits(ctx context.Context, userID UserID) ([]WeightCredit, error) {
	var credits []WeightCredit
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at_s DESC").
		Order("credit_id DESC").
		Find(&credits).Error
	if err != nil {
		s.logError(opListWeightCredits, reasonQueryFailed, err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opListWeightCredits, reasonQueryFailed, err)
	}
	return credits, nil
}
