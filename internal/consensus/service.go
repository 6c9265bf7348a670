package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tribune/backend/internal/fields"
	"github.com/MarcoPoloResearchLab/tribune/backend/internal/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

// Rules holds the global constants of the weighting and reward scheme.
type Rules struct {
	// Weight scales accountability metrics into weight units.
	Weight int64
	// RewardPercent is the share of Weight paid for a first contribution, in [0, 1].
	RewardPercent float64
	// QuorumAmount is the distinct-voter count a non-essential key and a publish need.
	QuorumAmount int
	// EssentialItemWeightAmount is the base of the publish reward.
	EssentialItemWeightAmount int64
	// DefaultPublishMinWeight applies to essential keys without their own threshold.
	DefaultPublishMinWeight int64
	// InitialWeight is granted to newly provisioned profiles.
	InitialWeight int64
}

// DefaultRules returns the production weighting constants.
func DefaultRules() Rules {
	return Rules{
		Weight:                    100,
		RewardPercent:             0.1,
		QuorumAmount:              3,
		EssentialItemWeightAmount: 500,
		DefaultPublishMinWeight:   100,
		InitialWeight:             10,
	}
}

func (rules Rules) validate() error {
	if rules.Weight < 0 {
		return fmt.Errorf("weight must not be negative")
	}
	if rules.RewardPercent < 0 || rules.RewardPercent > 1 {
		return fmt.Errorf("reward percent must be within [0, 1]")
	}
	if rules.QuorumAmount < 0 {
		return fmt.Errorf("quorum amount must not be negative")
	}
	if rules.EssentialItemWeightAmount < 0 || rules.DefaultPublishMinWeight < 0 || rules.InitialWeight < 0 {
		return fmt.Errorf("weight amounts must not be negative")
	}
	return nil
}

func (rules Rules) publishMinWeight(definition fields.Definition) int64 {
	if definition.PublishMinWeight > 0 {
		return definition.PublishMinWeight
	}
	return rules.DefaultPublishMinWeight
}

// IDProvider issues identifiers for new rows.
type IDProvider interface {
	NewID() (string, error)
}

// NotificationSink receives committed notifications for delivery.
type NotificationSink interface {
	Deliver(notifications []Notification)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Registry   *fields.Registry
	Rules      Rules
	Metrics    *metrics.Recorder
	Sink       NotificationSink
}

// Service is the weighted proposal consensus and reward engine.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	registry   *fields.Registry
	rules      Rules
	metrics    *metrics.Recorder
	sink       NotificationSink
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	if cfg.Registry == nil {
		return nil, newServiceError(opServiceNew, reasonMissingRegistry, errMissingRegistry)
	}
	if err := cfg.Rules.validate(); err != nil {
		return nil, newServiceError(opServiceNew, reasonInvalidRules, err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		registry:   cfg.Registry,
		rules:      cfg.Rules,
		metrics:    cfg.Metrics,
		sink:       cfg.Sink,
	}, nil
}

// Rules returns the constants the service was built with.
func (s *Service) Rules() Rules {
	return s.rules
}

// Registry returns the field registry the service governs.
func (s *Service) Registry() *fields.Registry {
	return s.registry
}

// txScope carries the state of one mutating operation's transaction.
type txScope struct {
	operation     string
	tx            *gorm.DB
	nowSeconds    int64
	notifications []Notification
	afterCommit   []func()
}

func (s *Service) runTransaction(ctx context.Context, operation string, apply func(scope *txScope) error) error {
	if s.db == nil {
		s.logError(operation, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(operation, reasonMissingDatabase, errMissingDatabase)
	}
	scope := &txScope{
		operation:  operation,
		nowSeconds: s.clock().UTC().Unix(),
	}
	transactionError := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		scope.tx = transaction
		return apply(scope)
	})
	if transactionError != nil {
		return s.failure(operation, transactionError)
	}
	for _, hook := range scope.afterCommit {
		hook()
	}
	s.deliver(scope.notifications)
	return nil
}

// failure converts an error raised inside an operation into a ServiceError and logs it.
func (s *Service) failure(operation string, err error, fields ...zap.Field) error {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	reason, domain := reasonFor(err)
	if domain {
		s.loggerOrDefault().Info("consensus request rejected",
			append([]zap.Field{
				zap.String("operation", operation),
				zap.String("reason", reason),
				zap.Error(err),
			}, fields...)...)
	} else {
		s.logError(operation, reason, err, fields...)
	}
	return newServiceError(operation, reason, err)
}

func (s *Service) storeError(scope *txScope, reason string, err error, fields ...zap.Field) error {
	s.logError(scope.operation, reason, err, fields...)
	return newServiceError(scope.operation, reason, err)
}

func (s *Service) newID(scope *txScope) (string, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return "", s.storeError(scope, reasonIDGeneration, err)
	}
	return id, nil
}

func (s *Service) lookupKey(rawKey string) (fields.Definition, error) {
	definition, err := s.registry.Lookup(rawKey)
	if err != nil {
		return fields.Definition{}, fmt.Errorf("%w: %v", ErrEmptyOrInvalidKey, err)
	}
	return definition, nil
}

func (s *Service) deliver(notifications []Notification) {
	if s.sink == nil || len(notifications) == 0 {
		return
	}
	delivered := make([]Notification, len(notifications))
	copy(delivered, notifications)
	s.sink.Deliver(delivered)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("consensus service error", attrs...)
}

func stringPointer(value string) *string {
	v := value
	return &v
}

func int64Pointer(value int64) *int64 {
	v := value
	return &v
}

func maxInt64(left, right int64) int64 {
	if left > right {
		return left
	}
	return right
}
