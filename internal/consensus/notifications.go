package consensus

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type notificationPayload struct {
	projectID string
	proposal  ProposalRef
	reward    *int64
	voterID   string
}

// notify persists a notification in the operation's transaction. Delivery happens after commit.
func (s *Service) notify(scope *txScope, recipientID string, notificationType NotificationType, payload notificationPayload) error {
	if recipientID == "" {
		return nil
	}
	notificationID, err := s.newID(scope)
	if err != nil {
		return err
	}
	notification := Notification{
		NotificationID:   notificationID,
		RecipientID:      recipientID,
		Type:             notificationType,
		Reward:           payload.reward,
		CreatedAtSeconds: scope.nowSeconds,
	}
	if payload.projectID != "" {
		notification.ProjectID = stringPointer(payload.projectID)
	}
	if !payload.proposal.IsZero() {
		notification.DraftProposalID, notification.FieldProposalID = refColumns(payload.proposal)
	}
	if payload.voterID != "" {
		notification.VoterID = stringPointer(payload.voterID)
	}
	if err := scope.tx.Create(&notification).Error; err != nil {
		return s.storeError(scope, reasonWriteFailed, err,
			zap.String("recipient_id", recipientID), zap.String("type", string(notificationType)))
	}
	scope.notifications = append(scope.notifications, notification)
	return nil
}

// notifySupported tells a proposal's creator that someone else backed it.
func (s *Service) notifySupported(scope *txScope, projectID string, target ProposalRef, creatorID, voterID string) error {
	if creatorID == voterID {
		return nil
	}
	notificationType := NotificationItemProposalSupported
	if target.Kind() == ProposalKindDraft {
		notificationType = NotificationProposalSupported
	}
	return s.notify(scope, creatorID, notificationType, notificationPayload{
		projectID: projectID,
		proposal:  target,
		voterID:   voterID,
	})
}

// ListNotifications returns the user's notifications, newest first.
func (s *Service) ListNotifications(ctx context.Context, userID UserID, includeArchived bool) ([]Notification, error) {
	query := s.db.WithContext(ctx).Where("recipient_id = ?", userID.String())
	if !includeArchived {
		query = query.Where("archived_at_s IS NULL")
	}
	var notifications []Notification
	err := query.Order("created_at_s DESC").Order("notification_id DESC").Find(&notifications).Error
	if err != nil {
		s.logError(opListNotifications, reasonQueryFailed, err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opListNotifications, reasonQueryFailed, err)
	}
	return notifications, nil
}

// MarkNotificationRead stamps read_at_s once; repeated calls keep the first timestamp.
func (s *Service) MarkNotificationRead(ctx context.Context, userID UserID, notificationID string) (Notification, error) {
	return s.stampNotification(ctx, opMarkNotificationRead, userID, notificationID, "read_at_s")
}

// ArchiveNotification hides the notification from the default listing.
func (s *Service) ArchiveNotification(ctx context.Context, userID UserID, notificationID string) (Notification, error) {
	return s.stampNotification(ctx, opArchiveNotification, userID, notificationID, "archived_at_s")
}

func (s *Service) stampNotification(ctx context.Context, operation string, userID UserID, notificationID string, column string) (Notification, error) {
	var notification Notification
	err := s.runTransaction(ctx, operation, func(scope *txScope) error {
		err := scope.tx.Where("notification_id = ? AND recipient_id = ?", notificationID, userID.String()).
			Take(&notification).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: notification %s", ErrNotFound, notificationID)
		}
		if err != nil {
			return s.storeError(scope, reasonQueryFailed, err, zap.String("notification_id", notificationID))
		}
		err = scope.tx.Model(&Notification{}).
			Where("notification_id = ? AND "+column+" IS NULL", notificationID).
			Update(column, scope.nowSeconds).Error
		if err != nil {
			return s.storeError(scope, reasonWriteFailed, err, zap.String("notification_id", notificationID))
		}
		return scope.tx.Where("notification_id = ?", notificationID).Take(&notification).Error
	})
	if err != nil {
		return Notification{}, err
	}
	return notification, nil
}
