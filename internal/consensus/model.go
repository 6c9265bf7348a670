package consensus

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
)

const (
	maxIdentifierLength   = 190
	columnDraftProposalID = "draft_proposal_id"
	columnFieldProposalID = "field_proposal_id"
	columnLeaderDraftID   = "leader_draft_id"
	columnLeaderFieldID   = "leader_field_id"
)

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("consensus: invalid user id")
	// ErrInvalidProjectID indicates that a project identifier is empty or exceeds storage bounds.
	ErrInvalidProjectID = errors.New("consensus: invalid project id")
	// ErrInvalidProposalRef indicates that a proposal reference is malformed.
	ErrInvalidProposalRef = errors.New("consensus: invalid proposal reference")
)

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidUserID)
	if err != nil {
		return "", err
	}
	return UserID(value), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// ProjectID represents a validated project identifier.
type ProjectID string

// NewProjectID validates raw input and returns a ProjectID.
func NewProjectID(rawInput string) (ProjectID, error) {
	value, err := validateIdentifier(rawInput, ErrInvalidProjectID)
	if err != nil {
		return "", err
	}
	return ProjectID(value), nil
}

// String returns the underlying string identifier.
func (id ProjectID) String() string {
	return string(id)
}

// ProposalKind discriminates the two proposal tables a vote can point at.
type ProposalKind string

const (
	// ProposalKindDraft targets a genesis DraftProposal of an unpublished project.
	ProposalKindDraft ProposalKind = "draft"
	// ProposalKindField targets a FieldProposal of a published project.
	ProposalKindField ProposalKind = "field"
)

// ProposalRef is a tagged reference to exactly one draft or field proposal.
type ProposalRef struct {
	kind ProposalKind
	id   string
}

// NewProposalRef validates the kind and identifier.
func NewProposalRef(kind ProposalKind, rawID string) (ProposalRef, error) {
	if kind != ProposalKindDraft && kind != ProposalKindField {
		return ProposalRef{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidProposalRef, kind)
	}
	id, err := validateIdentifier(rawID, ErrInvalidProposalRef)
	if err != nil {
		return ProposalRef{}, err
	}
	return ProposalRef{kind: kind, id: id}, nil
}

// DraftRef references a DraftProposal.
func DraftRef(id string) ProposalRef {
	return ProposalRef{kind: ProposalKindDraft, id: id}
}

// FieldRef references a FieldProposal.
func FieldRef(id string) ProposalRef {
	return ProposalRef{kind: ProposalKindField, id: id}
}

// Kind returns the referenced table.
func (ref ProposalRef) Kind() ProposalKind {
	return ref.kind
}

// ID returns the referenced proposal identifier.
func (ref ProposalRef) ID() string {
	return ref.id
}

// IsZero reports whether the reference is unset.
func (ref ProposalRef) IsZero() bool {
	return ref.id == ""
}

func (ref ProposalRef) String() string {
	return string(ref.kind) + ":" + ref.id
}

func (ref ProposalRef) column() string {
	if ref.kind == ProposalKindDraft {
		return columnDraftProposalID
	}
	return columnFieldProposalID
}

func refFromColumns(draftID, fieldID *string) ProposalRef {
	switch {
	case draftID != nil && *draftID != "":
		return DraftRef(*draftID)
	case fieldID != nil && *fieldID != "":
		return FieldRef(*fieldID)
	default:
		return ProposalRef{}
	}
}

func refColumns(ref ProposalRef) (*string, *string) {
	id := ref.id
	if ref.kind == ProposalKindDraft {
		return &id, nil
	}
	return nil, &id
}

// FieldValue is one {key, value} pair of a draft proposal or snapshot.
type FieldValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Project is the unit of governance; it is published at most once.
type Project struct {
	ProjectID          string  `gorm:"column:project_id;primaryKey;size:190;not null"`
	CreatorID          string  `gorm:"column:creator_id;size:190;not null;index"`
	IsPublished        bool    `gorm:"column:is_published;not null;default:false;index:idx_projects_pending,priority:1"`
	WinningDraftID     *string `gorm:"column:winning_draft_id;size:190"`
	CreatedAtSeconds   int64   `gorm:"column:created_at_s;not null;index:idx_projects_pending,priority:2"`
	PublishedAtSeconds *int64  `gorm:"column:published_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Project) TableName() string {
	return "projects"
}

// ProjectField holds the per-key governance state of a project.
type ProjectField struct {
	ProjectID        string  `gorm:"column:project_id;primaryKey;size:190;not null"`
	Key              string  `gorm:"column:field_key;primaryKey;size:64;not null"`
	HasProposal      bool    `gorm:"column:has_proposal;not null;default:false"`
	TopWeight        int64   `gorm:"column:top_weight;not null;default:0"`
	LeaderDraftID    *string `gorm:"column:leader_draft_id;size:190"`
	LeaderFieldID    *string `gorm:"column:leader_field_id;size:190"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (ProjectField) TableName() string {
	return "project_fields"
}

func (field ProjectField) leader(kind ProposalKind) ProposalRef {
	if kind == ProposalKindDraft {
		return refFromColumns(field.LeaderDraftID, nil)
	}
	return refFromColumns(nil, field.LeaderFieldID)
}

// DraftProposal is a competing genesis proposal covering a project's whole field set.
type DraftProposal struct {
	DraftID          string                         `gorm:"column:draft_id;primaryKey;size:190;not null"`
	ProjectID        string                         `gorm:"column:project_id;size:190;not null;index:idx_drafts_project,priority:1"`
	CreatorID        string                         `gorm:"column:creator_id;size:190;not null"`
	Items            datatypes.JSONSlice[FieldValue] `gorm:"column:items_json;not null"`
	Refs             datatypes.JSONSlice[FieldValue] `gorm:"column:refs_json"`
	CreatedAtSeconds int64                          `gorm:"column:created_at_s;not null;index:idx_drafts_project,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (DraftProposal) TableName() string {
	return "draft_proposals"
}

// Item returns the value proposed for key.
func (draft DraftProposal) Item(key string) (string, bool) {
	return lookupFieldValue(draft.Items, key)
}

// Ref returns the reference attached to key, if any.
func (draft DraftProposal) Ref(key string) (string, bool) {
	return lookupFieldValue(draft.Refs, key)
}

func lookupFieldValue(values []FieldValue, key string) (string, bool) {
	for _, entry := range values {
		if entry.Key == key {
			return entry.Value, true
		}
	}
	return "", false
}

// FieldProposal is a competing value for a single key of a published project.
type FieldProposal struct {
	ProposalID       string  `gorm:"column:proposal_id;primaryKey;size:190;not null"`
	ProjectID        string  `gorm:"column:project_id;size:190;not null;index:idx_field_proposals_key,priority:1"`
	Key              string  `gorm:"column:field_key;size:64;not null;index:idx_field_proposals_key,priority:2"`
	CreatorID        string  `gorm:"column:creator_id;size:190;not null"`
	Value            string  `gorm:"column:value;type:text;not null"`
	Ref              *string `gorm:"column:ref;type:text"`
	Reason           *string `gorm:"column:reason;type:text"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FieldProposal) TableName() string {
	return "field_proposals"
}

// VoteRecord is a voter's single live vote for a project key.
type VoteRecord struct {
	VoteID           string  `gorm:"column:vote_id;primaryKey;size:190;not null"`
	ProjectID        string  `gorm:"column:project_id;size:190;not null;uniqueIndex:idx_votes_voter_key,priority:1"`
	Key              string  `gorm:"column:field_key;size:64;not null;uniqueIndex:idx_votes_voter_key,priority:2"`
	VoterID          string  `gorm:"column:voter_id;size:190;not null;uniqueIndex:idx_votes_voter_key,priority:3"`
	Weight           int64   `gorm:"column:weight;not null;default:0"`
	DraftProposalID  *string `gorm:"column:draft_proposal_id;size:190;index;check:chk_votes_target,(draft_proposal_id IS NULL) <> (field_proposal_id IS NULL)"`
	FieldProposalID  *string `gorm:"column:field_proposal_id;size:190;index"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VoteRecord) TableName() string {
	return "votes"
}

// Target returns the proposal this vote backs.
func (vote VoteRecord) Target() ProposalRef {
	return refFromColumns(vote.DraftProposalID, vote.FieldProposalID)
}

func (vote *VoteRecord) pointTo(ref ProposalRef) {
	vote.DraftProposalID, vote.FieldProposalID = refColumns(ref)
}

// LeadershipLog is the append-only history of leadership transitions per key.
type LeadershipLog struct {
	LogID            int64   `gorm:"column:log_id;primaryKey;autoIncrement"`
	ProjectID        string  `gorm:"column:project_id;size:190;not null;index:idx_leadership_project_key,priority:1"`
	Key              string  `gorm:"column:field_key;size:64;not null;index:idx_leadership_project_key,priority:2"`
	DraftProposalID  *string `gorm:"column:draft_proposal_id;size:190"`
	FieldProposalID  *string `gorm:"column:field_proposal_id;size:190;index"`
	IsNotLeading     bool    `gorm:"column:is_not_leading;not null;default:false"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LeadershipLog) TableName() string {
	return "leadership_logs"
}

// Target returns the proposal the log row refers to.
func (entry LeadershipLog) Target() ProposalRef {
	return refFromColumns(entry.DraftProposalID, entry.FieldProposalID)
}

// Profile stores a user's weight balance.
type Profile struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Weight           int64  `gorm:"column:weight;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Profile) TableName() string {
	return "profiles"
}

// RewardReason labels a weight credit.
type RewardReason string

const (
	RewardReasonFirstContribution  RewardReason = "first_contribution"
	RewardReasonLeadershipTakeover RewardReason = "leadership_takeover"
	RewardReasonPublish            RewardReason = "publish"
)

// WeightCredit is the append-only audit trail of weight credits.
type WeightCredit struct {
	CreditID         string       `gorm:"column:credit_id;primaryKey;size:190;not null"`
	UserID           string       `gorm:"column:user_id;size:190;not null;index"`
	Amount           int64        `gorm:"column:amount;not null"`
	Reason           RewardReason `gorm:"column:reason;size:64;not null"`
	ProjectID        *string      `gorm:"column:project_id;size:190;index"`
	ProposalID       *string      `gorm:"column:proposal_id;size:190"`
	CreatedAtSeconds int64        `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (WeightCredit) TableName() string {
	return "weight_credits"
}

// NotificationType enumerates the notifications the engine emits.
type NotificationType string

const (
	NotificationCreateItemProposal        NotificationType = "createItemProposal"
	NotificationItemProposalSupported     NotificationType = "itemProposalSupported"
	NotificationProposalSupported         NotificationType = "proposalSupported"
	NotificationItemProposalPassed        NotificationType = "itemProposalPassed"
	NotificationItemProposalBecameLeading NotificationType = "itemProposalBecameLeading"
	NotificationItemProposalLostLeading   NotificationType = "itemProposalLostLeading"
	NotificationProposalPassed            NotificationType = "proposalPassed"
	NotificationProjectPublished          NotificationType = "projectPublished"
)

// Notification records that a user should be told about an engine event.
type Notification struct {
	NotificationID    string           `gorm:"column:notification_id;primaryKey;size:190;not null"`
	RecipientID       string           `gorm:"column:recipient_id;size:190;not null;index:idx_notifications_recipient,priority:1"`
	Type              NotificationType `gorm:"column:type;size:64;not null"`
	ProjectID         *string          `gorm:"column:project_id;size:190"`
	DraftProposalID   *string          `gorm:"column:draft_proposal_id;size:190"`
	FieldProposalID   *string          `gorm:"column:field_proposal_id;size:190"`
	Reward            *int64           `gorm:"column:reward"`
	VoterID           *string          `gorm:"column:voter_id;size:190"`
	CreatedAtSeconds  int64            `gorm:"column:created_at_s;not null;index:idx_notifications_recipient,priority:2"`
	ReadAtSeconds     *int64           `gorm:"column:read_at_s"`
	ArchivedAtSeconds *int64           `gorm:"column:archived_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// RankSnapshot records the creator's weight at the instant a project publishes.
type RankSnapshot struct {
	SnapshotID             int64  `gorm:"column:snapshot_id;primaryKey;autoIncrement"`
	ProjectID              string `gorm:"column:project_id;size:190;not null;index"`
	PublishedGenesisWeight int64  `gorm:"column:published_genesis_weight;not null"`
	CreatedAtSeconds       int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RankSnapshot) TableName() string {
	return "rank_snapshots"
}

// ProjectSnapshot is the frozen public view of a project at publish time.
type ProjectSnapshot struct {
	ProjectID        string                         `gorm:"column:project_id;primaryKey;size:190;not null"`
	Name             string                         `gorm:"column:name;size:320;not null;default:''"`
	Categories       datatypes.JSONSlice[string]     `gorm:"column:categories_json"`
	Items            datatypes.JSONSlice[FieldValue] `gorm:"column:items_json;not null"`
	CreatedAtSeconds int64                          `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ProjectSnapshot) TableName() string {
	return "project_snapshots"
}

// Models lists every table owned by the engine, in migration order.
func Models() []any {
	return []any{
		&Project{},
		&ProjectField{},
		&DraftProposal{},
		&FieldProposal{},
		&VoteRecord{},
		&LeadershipLog{},
		&Profile{},
		&WeightCredit{},
		&Notification{},
		&RankSnapshot{},
		&ProjectSnapshot{},
	}
}
