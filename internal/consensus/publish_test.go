package consensus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/tribune/backend/internal/fields"
)

func publishRegistry() *fields.Registry {
	return fields.MustRegistry(
		fields.Definition{Key: "name", Essential: true, AccountabilityMetric: 1},
		fields.Definition{Key: "categories", AccountabilityMetric: 0.5},
		fields.Definition{Key: "roadmap", AccountabilityMetric: 0.5},
	)
}

func publishRules() Rules {
	rules := testRules()
	rules.QuorumAmount = 2
	rules.DefaultPublishMinWeight = 100
	return rules
}

func newPublishEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnv(t, withRegistry(publishRegistry()), withRules(publishRules()))
}

func TestScanPublishesQualifiedProject(t *testing.T) {
	env := newPublishEnv(t)
	seedProfile(t, env.db, "creator", 50)
	seedProfile(t, env.db, "voter", 80)
	submission := mustSubmit(t, env.service, "creator", []FieldValue{{Key: "name", Value: "Tribune"}})
	projectID := ProjectID(submission.Project.ProjectID)
	mustCastVote(t, env.service, "voter", projectID, "name", DraftRef(submission.Draft.DraftID))

	result, err := env.service.ScanPendingProjects(context.Background())
	if err != nil {
		t.Fatalf("unexpected scan error: %v", err)
	}
	if len(result.Published) != 1 || result.Published[0] != projectID.String() {
		t.Fatalf("expected project to publish, got %+v", result)
	}

	var proposals []FieldProposal
	if err := env.db.Where("project_id = ?", projectID.String()).Find(&proposals).Error; err != nil {
		t.Fatalf("failed to load field proposals: %v", err)
	}
	if len(proposals) != 1 {
		t.Fatalf("expected one field proposal, got %d", len(proposals))
	}
	if proposals[0].Key != "name" || proposals[0].Value != "Tribune" || proposals[0].CreatorID != "creator" {
		t.Fatalf("unexpected field proposal %+v", proposals[0])
	}

	moved := countRows(t, env.db, &VoteRecord{}, "field_proposal_id = ?", proposals[0].ProposalID)
	if moved != 2 {
		t.Fatalf("expected both votes to move to the field proposal, got %d", moved)
	}
	if remaining := countRows(t, env.db, &VoteRecord{}, "draft_proposal_id = ?", submission.Draft.DraftID); remaining != 0 {
		t.Fatalf("expected no votes left on the winning draft, got %d", remaining)
	}
	if leading := countRows(t, env.db, &LeadershipLog{}, "field_proposal_id = ? AND is_not_leading = ?", proposals[0].ProposalID, false); leading != 1 {
		t.Fatalf("expected one leading row for the field proposal, got %d", leading)
	}

	var rank RankSnapshot
	if err := env.db.Where("project_id = ?", projectID.String()).Take(&rank).Error; err != nil {
		t.Fatalf("failed to load rank snapshot: %v", err)
	}
	if rank.PublishedGenesisWeight != 50 {
		t.Fatalf("expected rank snapshot weight 50, got %d", rank.PublishedGenesisWeight)
	}
	var snapshot ProjectSnapshot
	if err := env.db.Where("project_id = ?", projectID.String()).Take(&snapshot).Error; err != nil {
		t.Fatalf("failed to load project snapshot: %v", err)
	}
	if snapshot.Name != "Tribune" || len(snapshot.Items) != 1 {
		t.Fatalf("unexpected project snapshot %+v", snapshot)
	}

	if weight := weightOf(t, env.db, "creator"); weight != 500 {
		t.Fatalf("expected creator weight 500 after the publish reward, got %d", weight)
	}
	state := projectFieldState(t, env.db, projectID, "name")
	if state.TopWeight != 130 || !state.HasProposal {
		t.Fatalf("unexpected name state %+v", state)
	}
	if state.LeaderFieldID == nil || *state.LeaderFieldID != proposals[0].ProposalID {
		t.Fatalf("expected field proposal to be the current leader")
	}

	published := notificationsOfType(env.sink.all(), NotificationProjectPublished)
	if len(published) != 1 || published[0].RecipientID != "creator" || published[0].Reward == nil || *published[0].Reward != 450 {
		t.Fatalf("unexpected projectPublished notifications %+v", published)
	}
	if passed := notificationsOfType(env.sink.all(), NotificationProposalPassed); len(passed) != 0 {
		t.Fatalf("the creator's own draft must not trigger proposalPassed, got %d", len(passed))
	}

	view, err := env.service.GetProject(context.Background(), projectID)
	if err != nil {
		t.Fatalf("unexpected get project error: %v", err)
	}
	if !view.Project.IsPublished || view.Snapshot == nil {
		t.Fatalf("expected a published view with a snapshot")
	}
	if len(view.HasProposalKeys) != 1 || view.HasProposalKeys[0] != "name" {
		t.Fatalf("unexpected proposal keys %v", view.HasProposalKeys)
	}
	if view.ItemsTopWeight["name"] != 130 {
		t.Fatalf("unexpected top weights %v", view.ItemsTopWeight)
	}
	if view.Leaders["name"] != FieldRef(proposals[0].ProposalID) {
		t.Fatalf("unexpected leaders %v", view.Leaders)
	}

	again, err := env.service.ScanPendingProjects(context.Background())
	if err != nil {
		t.Fatalf("unexpected second scan error: %v", err)
	}
	if again.Examined != 0 || len(again.Published) != 0 {
		t.Fatalf("expected nothing pending on the second scan, got %+v", again)
	}
	if count := countRows(t, env.db, &RankSnapshot{}, "project_id = ?", projectID.String()); count != 1 {
		t.Fatalf("expected a single rank snapshot, got %d", count)
	}
}

func TestScanLeavesUnqualifiedProjectsUntouched(t *testing.T) {
	testCases := []struct {
		name        string
		voterWeight int64
		withVoter   bool
	}{
		{name: "below quorum", withVoter: false},
		{name: "below minimum weight", voterWeight: 10, withVoter: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			env := newPublishEnv(t)
			seedProfile(t, env.db, "creator", 50)
			seedProfile(t, env.db, "voter", testCase.voterWeight)
			submission := mustSubmit(t, env.service, "creator", []FieldValue{{Key: "name", Value: "Tribune"}})
			projectID := ProjectID(submission.Project.ProjectID)
			if testCase.withVoter {
				mustCastVote(t, env.service, "voter", projectID, "name", DraftRef(submission.Draft.DraftID))
			}

			result, err := env.service.ScanPendingProjects(context.Background())
			if err != nil {
				t.Fatalf("unexpected scan error: %v", err)
			}
			if result.Examined != 1 || len(result.Published) != 0 || len(result.Failures) != 0 {
				t.Fatalf("unexpected scan result %+v", result)
			}
			assertUnpublished(t, env, projectID)
			if weight := weightOf(t, env.db, "creator"); weight != 50 {
				t.Fatalf("expected creator weight to stay 50, got %d", weight)
			}
		})
	}
}

func TestPublishRollsBackOnFailure(t *testing.T) {
	env := newPublishEnv(t)
	seedProfile(t, env.db, "creator", 50)
	seedProfile(t, env.db, "voter", 80)
	submission := mustSubmit(t, env.service, "creator", []FieldValue{{Key: "name", Value: "Tribune"}})
	projectID := ProjectID(submission.Project.ProjectID)
	mustCastVote(t, env.service, "voter", projectID, "name", DraftRef(submission.Draft.DraftID))

	broken, err := NewService(ServiceConfig{
		Database:   env.db,
		IDProvider: failingIDGenerator{},
		Registry:   publishRegistry(),
		Rules:      publishRules(),
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	result, err := broken.ScanPendingProjects(context.Background())
	if err != nil {
		t.Fatalf("scan must not fail as a whole: %v", err)
	}
	if len(result.Failures) != 1 || result.Failures[0].ProjectID != projectID.String() {
		t.Fatalf("expected one recorded failure, got %+v", result)
	}
	var serviceErr *ServiceError
	if !errors.As(result.Failures[0].Err, &serviceErr) || serviceErr.Code() != "consensus.publish_project.id_generation_failed" {
		t.Fatalf("unexpected failure %v", result.Failures[0].Err)
	}
	assertUnpublished(t, env, projectID)
	if remaining := countRows(t, env.db, &VoteRecord{}, "draft_proposal_id = ?", submission.Draft.DraftID); remaining != 2 {
		t.Fatalf("expected votes to stay on the draft, got %d", remaining)
	}
}

func TestPublishPicksHeaviestDraftAndKeepsLosingVotes(t *testing.T) {
	env := newPublishEnv(t)
	seedProfile(t, env.db, "creator", 50)
	seedProfile(t, env.db, "rival", 60)
	seedProfile(t, env.db, "v1", 80)
	seedProfile(t, env.db, "v2", 100)
	submission := mustSubmit(t, env.service, "creator", []FieldValue{
		{Key: "name", Value: "One"},
		{Key: "categories", Value: "defi, , tooling"},
	})
	projectID := ProjectID(submission.Project.ProjectID)
	rivalDraft, err := env.service.CreateDraftProposal(context.Background(), projectID, DraftRequest{
		CreatorID: mustUserID(t, "rival"),
		Items:     []FieldValue{{Key: "name", Value: "Two"}, {Key: "categories", Value: "dao, governance"}},
		Refs:      []FieldValue{{Key: "name", Value: "https://two.example"}},
	})
	if err != nil {
		t.Fatalf("failed to create rival draft: %v", err)
	}
	mustCastVote(t, env.service, "v1", projectID, "name", DraftRef(submission.Draft.DraftID))
	mustCastVote(t, env.service, "v2", projectID, "name", DraftRef(rivalDraft.Draft.DraftID))

	outcome, err := env.service.PublishProject(context.Background(), projectID)
	if err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	if !outcome.Published || outcome.WinningDraftID != rivalDraft.Draft.DraftID {
		t.Fatalf("expected the rival draft to win, got %+v", outcome)
	}
	if len(outcome.FieldProposals) != 2 {
		t.Fatalf("expected one field proposal per item, got %d", len(outcome.FieldProposals))
	}
	nameProposal := outcome.FieldProposals[0]
	if nameProposal.CreatorID != "creator" {
		t.Fatalf("expected synthesized proposals to belong to the project creator, got %s", nameProposal.CreatorID)
	}
	if nameProposal.Ref == nil || *nameProposal.Ref != "https://two.example" {
		t.Fatalf("expected the draft ref to carry over, got %v", nameProposal.Ref)
	}
	if outcome.FieldProposals[1].Ref != nil {
		t.Fatalf("expected no ref for categories")
	}

	var snapshot ProjectSnapshot
	if err := env.db.Where("project_id = ?", projectID.String()).Take(&snapshot).Error; err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	if snapshot.Name != "Two" || len(snapshot.Categories) != 2 || snapshot.Categories[1] != "governance" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	passed := notificationsOfType(env.sink.all(), NotificationProposalPassed)
	if len(passed) != 1 || passed[0].RecipientID != "rival" {
		t.Fatalf("expected the rival to be told their draft passed, got %+v", passed)
	}

	if state := projectFieldState(t, env.db, projectID, "name"); state.TopWeight != 160 {
		t.Fatalf("expected name top weight 160, got %d", state.TopWeight)
	}

	_, err = env.service.WithdrawVote(context.Background(), mustUserID(t, "creator"), projectID, "name")
	if !errors.Is(err, ErrProjectAlreadyPublished) {
		t.Fatalf("expected superseded draft votes to be frozen, got %v", err)
	}

	switched, err := env.service.SwitchVote(context.Background(), VoteRequest{
		VoterID:   mustUserID(t, "v1"),
		ProjectID: projectID,
		Key:       "name",
		Target:    FieldRef(nameProposal.ProposalID),
	})
	if err != nil {
		t.Fatalf("expected a superseded vote to move onto the field proposal: %v", err)
	}
	if switched.Weight != 80 {
		t.Fatalf("expected pinned weight 80, got %d", switched.Weight)
	}
	if state := projectFieldState(t, env.db, projectID, "name"); state.TopWeight != 240 {
		t.Fatalf("expected name top weight 240, got %d", state.TopWeight)
	}
}

func TestPublishResetsDraftStandingOfKeysOutsideTheWinner(t *testing.T) {
	env := newPublishEnv(t)
	seedProfile(t, env.db, "creator", 50)
	seedProfile(t, env.db, "rival", 60)
	seedProfile(t, env.db, "v1", 80)
	seedProfile(t, env.db, "v2", 500)
	seedProfile(t, env.db, "author", 20)
	seedProfile(t, env.db, "v3", 70)
	submission := mustSubmit(t, env.service, "creator", []FieldValue{{Key: "name", Value: "Tribune"}})
	projectID := ProjectID(submission.Project.ProjectID)
	rivalDraft, err := env.service.CreateDraftProposal(context.Background(), projectID, DraftRequest{
		CreatorID: mustUserID(t, "rival"),
		Items:     []FieldValue{{Key: "name", Value: "Tribune DAO"}, {Key: "roadmap", Value: "Q3 mainnet"}},
	})
	if err != nil {
		t.Fatalf("failed to create rival draft: %v", err)
	}
	mustCastVote(t, env.service, "v1", projectID, "name", DraftRef(submission.Draft.DraftID))
	mustCastVote(t, env.service, "v2", projectID, "roadmap", DraftRef(rivalDraft.Draft.DraftID))
	if state := projectFieldState(t, env.db, projectID, "roadmap"); state.TopWeight != 560 {
		t.Fatalf("expected the losing draft to lead roadmap with 560 before publish, got %d", state.TopWeight)
	}

	outcome, err := env.service.PublishProject(context.Background(), projectID)
	if err != nil {
		t.Fatalf("unexpected publish error: %v", err)
	}
	if !outcome.Published || outcome.WinningDraftID != submission.Draft.DraftID {
		t.Fatalf("expected the creator's draft to win, got %+v", outcome)
	}

	roadmap := projectFieldState(t, env.db, projectID, "roadmap")
	if roadmap.TopWeight != 0 || roadmap.LeaderDraftID != nil || roadmap.LeaderFieldID != nil || roadmap.HasProposal {
		t.Fatalf("expected roadmap to start the field phase empty, got %+v", roadmap)
	}
	if name := projectFieldState(t, env.db, projectID, "name"); name.LeaderDraftID != nil || name.TopWeight != 130 {
		t.Fatalf("expected name to carry only the promoted field standing, got %+v", name)
	}
	view, err := env.service.GetProject(context.Background(), projectID)
	if err != nil {
		t.Fatalf("unexpected get project error: %v", err)
	}
	if _, ok := view.ItemsTopWeight["roadmap"]; ok {
		t.Fatalf("expected no roadmap top weight before any field proposal, got %v", view.ItemsTopWeight)
	}
	if view.ItemsTopWeight["name"] != 130 {
		t.Fatalf("unexpected name top weight %v", view.ItemsTopWeight)
	}

	proposal := mustFieldProposal(t, env.service, "author", projectID, "roadmap", "Q4 mainnet")
	mustCastVote(t, env.service, "v3", projectID, "roadmap", FieldRef(proposal.Proposal.ProposalID))

	votes, err := env.service.ListVotesByProposal(context.Background(), FieldRef(proposal.Proposal.ProposalID))
	if err != nil {
		t.Fatalf("unexpected list votes error: %v", err)
	}
	var leaderSum int64
	for _, vote := range votes {
		leaderSum += vote.Weight
	}
	roadmap = projectFieldState(t, env.db, projectID, "roadmap")
	if roadmap.LeaderFieldID == nil || *roadmap.LeaderFieldID != proposal.Proposal.ProposalID {
		t.Fatalf("expected the field proposal to lead roadmap once quorum is met")
	}
	if roadmap.TopWeight != leaderSum {
		t.Fatalf("expected roadmap top weight to equal the leader sum %d, got %d", leaderSum, roadmap.TopWeight)
	}
	view, err = env.service.GetProject(context.Background(), projectID)
	if err != nil {
		t.Fatalf("unexpected get project error: %v", err)
	}
	if view.ItemsTopWeight["roadmap"] != leaderSum {
		t.Fatalf("expected reported roadmap top weight %d, got %d", leaderSum, view.ItemsTopWeight["roadmap"])
	}
}

func TestConcurrentPublishProjectPublishesOnce(t *testing.T) {
	env := newPublishEnv(t)
	seedProfile(t, env.db, "creator", 50)
	seedProfile(t, env.db, "voter", 80)
	submission := mustSubmit(t, env.service, "creator", []FieldValue{{Key: "name", Value: "Tribune"}})
	projectID := ProjectID(submission.Project.ProjectID)
	mustCastVote(t, env.service, "voter", projectID, "name", DraftRef(submission.Draft.DraftID))

	const attempts = 5
	var (
		waitGroup sync.WaitGroup
		mu        sync.Mutex
		published int
		failures  []error
	)
	start := make(chan struct{})
	for attempt := 0; attempt < attempts; attempt++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			<-start
			outcome, err := env.service.PublishProject(context.Background(), projectID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil && !errors.Is(err, errPublishClaimLost) {
				failures = append(failures, err)
				return
			}
			if outcome.Published {
				published++
			}
		}()
	}
	close(start)
	waitGroup.Wait()

	if len(failures) != 0 {
		t.Fatalf("unexpected publish errors: %v", failures)
	}
	if published != 1 {
		t.Fatalf("expected exactly one publish, got %d", published)
	}
	for _, model := range []any{&RankSnapshot{}, &ProjectSnapshot{}} {
		if count := countRows(t, env.db, model, "project_id = ?", projectID.String()); count != 1 {
			t.Fatalf("expected one %T row, got %d", model, count)
		}
	}
	if count := countRows(t, env.db, &FieldProposal{}, "project_id = ?", projectID.String()); count != 1 {
		t.Fatalf("expected one promoted field proposal, got %d", count)
	}
	if count := countRows(t, env.db, &WeightCredit{}, "reason = ?", RewardReasonPublish); count != 1 {
		t.Fatalf("expected one publish credit, got %d", count)
	}
}

func TestSelectWinningDraftRequiresEveryEssentialKey(t *testing.T) {
	essentials := []fields.Definition{
		{Key: "name", Essential: true},
		{Key: "codeRepo", Essential: true, PublishMinWeight: 300},
	}
	rules := publishRules()
	drafts := []DraftProposal{
		{DraftID: "d1", CreatedAtSeconds: 1, Items: []FieldValue{{Key: "name", Value: "a"}, {Key: "codeRepo", Value: "r"}}},
		{DraftID: "d2", CreatedAtSeconds: 2, Items: []FieldValue{{Key: "name", Value: "b"}, {Key: "codeRepo", Value: "r"}}},
	}
	aggregates := []draftAggregate{
		{DraftID: "d1", FieldKey: "name", Total: 500, Voters: 5},
		{DraftID: "d1", FieldKey: "codeRepo", Total: 299, Voters: 5},
		{DraftID: "d2", FieldKey: "name", Total: 100, Voters: 2},
		{DraftID: "d2", FieldKey: "codeRepo", Total: 300, Voters: 2},
	}
	winner, ok := selectWinningDraft(drafts, aggregates, nil, essentials, rules)
	if !ok || winner.DraftID != "d2" {
		t.Fatalf("expected d2 to be the only qualifying draft, got %v %v", winner.DraftID, ok)
	}

	aggregates[1].Total = 300
	winner, ok = selectWinningDraft(drafts, aggregates, nil, essentials, rules)
	if !ok || winner.DraftID != "d1" {
		t.Fatalf("expected the heavier d1 to win, got %v", winner.DraftID)
	}

	tied := []draftAggregate{
		{DraftID: "d1", FieldKey: "name", Total: 100, Voters: 2},
		{DraftID: "d1", FieldKey: "codeRepo", Total: 300, Voters: 2},
		{DraftID: "d2", FieldKey: "name", Total: 100, Voters: 2},
		{DraftID: "d2", FieldKey: "codeRepo", Total: 300, Voters: 2},
	}
	winner, _ = selectWinningDraft(drafts, tied, nil, essentials, rules)
	if winner.DraftID != "d1" {
		t.Fatalf("expected the earliest draft to win a tie, got %v", winner.DraftID)
	}
	winner, _ = selectWinningDraft(drafts, tied, map[string]string{"name": "d2", "codeRepo": "d1", "roadmap": "d2"}, essentials, rules)
	if winner.DraftID != "d1" {
		t.Fatalf("expected equal essential leadership to fall back to the earliest draft, got %v", winner.DraftID)
	}
	winner, _ = selectWinningDraft(drafts, tied, map[string]string{"name": "d2"}, essentials, rules)
	if winner.DraftID != "d2" {
		t.Fatalf("expected the leading draft to win a tie, got %v", winner.DraftID)
	}

	if _, ok := selectWinningDraft(drafts, nil, nil, essentials, rules); ok {
		t.Fatalf("expected no winner without votes")
	}
}

func assertUnpublished(t *testing.T, env testEnv, projectID ProjectID) {
	t.Helper()
	var project Project
	if err := env.db.Where("project_id = ?", projectID.String()).Take(&project).Error; err != nil {
		t.Fatalf("failed to load project: %v", err)
	}
	if project.IsPublished || project.PublishedAtSeconds != nil || project.WinningDraftID != nil {
		t.Fatalf("expected project to stay unpublished, got %+v", project)
	}
	for _, model := range []any{&FieldProposal{}, &RankSnapshot{}, &ProjectSnapshot{}} {
		if count := countRows(t, env.db, model, "project_id = ?", projectID.String()); count != 0 {
			t.Fatalf("expected no %T rows, got %d", model, count)
		}
	}
	if count := countRows(t, env.db, &LeadershipLog{}, "project_id = ? AND field_proposal_id IS NOT NULL", projectID.String()); count != 0 {
		t.Fatalf("expected no field leadership rows, got %d", count)
	}
}
