package consensus

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates that a project, proposal, profile or notification does not exist
	// or does not belong to the caller.
	ErrNotFound = errors.New("consensus: not found")
	// ErrTargetNotFound indicates that a vote target is missing or belongs to another project or key.
	ErrTargetNotFound = fmt.Errorf("%w: target proposal", ErrNotFound)
	// ErrAlreadyVoted indicates that the voter already holds a vote for the project key.
	ErrAlreadyVoted = errors.New("consensus: already voted")
	// ErrAlreadyVotedForTarget indicates that the voter already backs the requested proposal.
	ErrAlreadyVotedForTarget = errors.New("consensus: already voted for target")
	// ErrNoConflictingVote indicates that there is no vote to move or withdraw.
	ErrNoConflictingVote = errors.New("consensus: no conflicting vote")
	// ErrProjectAlreadyPublished indicates a draft-phase mutation on a published project.
	ErrProjectAlreadyPublished = errors.New("consensus: project already published")
	// ErrProjectNotPublished indicates a field-phase mutation on a project still in drafting.
	ErrProjectNotPublished = errors.New("consensus: project not published")
	// ErrEmptyOrInvalidKey indicates that a field key is missing from the registry.
	ErrEmptyOrInvalidKey = errors.New("consensus: empty or invalid key")
	// ErrInvalidInput indicates malformed proposal content.
	ErrInvalidInput = errors.New("consensus: invalid input")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingRegistry   = errors.New("field registry is required")
	errPublishClaimLost  = errors.New("project was published concurrently")
)

// ServiceError carries a stable "<operation>.<reason>" code for API callers.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew            = "consensus.service.new"
	opCreateProject         = "consensus.create_project"
	opCreateDraftProposal   = "consensus.create_draft_proposal"
	opCreateFieldProposal   = "consensus.create_field_proposal"
	opCastVote              = "consensus.cast_vote"
	opSwitchVote            = "consensus.switch_vote"
	opWithdrawVote          = "consensus.withdraw_vote"
	opScanPendingProjects   = "consensus.scan_pending_projects"
	opPublishProject        = "consensus.publish_project"
	opEnsureProfile         = "consensus.ensure_profile"
	opCurrentWeight         = "consensus.current_weight"
	opGetProject            = "consensus.get_project"
	opListVotesByProposal   = "consensus.list_votes_by_proposal"
	opListVotesByProject    = "consensus.list_votes_by_project"
	opListLeadershipLog     = "consensus.list_leadership_log"
	opListNotifications     = "consensus.list_notifications"
	opMarkNotificationRead  = "consensus.mark_notification_read"
	opArchiveNotification   = "consensus.archive_notification"
	opListWeightCredits     = "consensus.list_weight_credits"
	reasonMissingDatabase   = "missing_database"
	reasonMissingIDProvider = "missing_id_provider"
	reasonMissingRegistry   = "missing_registry"
	reasonInvalidRules      = "invalid_rules"
	reasonNotFound          = "not_found"
	reasonTargetNotFound    = "target_not_found"
	reasonAlreadyVoted      = "already_voted"
	reasonAlreadyVotedFor   = "already_voted_for_target"
	reasonNoConflictingVote = "no_conflicting_vote"
	reasonAlreadyPublished  = "project_already_published"
	reasonNotPublished      = "project_not_published"
	reasonInvalidKey        = "empty_or_invalid_key"
	reasonInvalidInput      = "invalid_input"
	reasonQueryFailed       = "query_failed"
	reasonWriteFailed       = "write_failed"
	reasonIDGeneration      = "id_generation_failed"
	reasonPublishClaimLost  = "publish_claim_lost"
)

func errProjectNotFound(projectID ProjectID) error {
	return fmt.Errorf("%w: project %s", ErrNotFound, projectID)
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// reasonFor maps a domain sentinel to its error code suffix. Unknown errors are store failures.
func reasonFor(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrTargetNotFound):
		return reasonTargetNotFound, true
	case errors.Is(err, ErrNotFound):
		return reasonNotFound, true
	case errors.Is(err, ErrAlreadyVotedForTarget):
		return reasonAlreadyVotedFor, true
	case errors.Is(err, ErrAlreadyVoted):
		return reasonAlreadyVoted, true
	case errors.Is(err, ErrNoConflictingVote):
		return reasonNoConflictingVote, true
	case errors.Is(err, ErrProjectAlreadyPublished):
		return reasonAlreadyPublished, true
	case errors.Is(err, ErrProjectNotPublished):
		return reasonNotPublished, true
	case errors.Is(err, ErrEmptyOrInvalidKey):
		return reasonInvalidKey, true
	case errors.Is(err, ErrInvalidInput):
		return reasonInvalidInput, true
	case errors.Is(err, errPublishClaimLost):
		return reasonPublishClaimLost, true
	default:
		return reasonWriteFailed, false
	}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
