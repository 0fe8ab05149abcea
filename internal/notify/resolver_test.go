package notify

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/MarcoPoloResearchLab/featureboard/internal/activity"
	"github.com/MarcoPoloResearchLab/featureboard/internal/directory"
	"github.com/MarcoPoloResearchLab/featureboard/internal/preferences"
)

type fakeAudience struct {
	projects  map[string][]string
	submitter map[string]directory.Contact
	voters    map[string][]directory.Contact
	emails    map[string]string
	err       error
}

func (f *fakeAudience) ProjectAudience(_ context.Context, projectID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.projects[projectID], nil
}

func (f *fakeAudience) FeedbackSubmitter(_ context.Context, feedbackID string) (directory.Contact, error) {
	if f.err != nil {
		return directory.Contact{}, f.err
	}
	return f.submitter[feedbackID], nil
}

func (f *fakeAudience) FeedbackVoters(_ context.Context, feedbackID string) ([]directory.Contact, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.voters[feedbackID], nil
}

func (f *fakeAudience) Emails(_ context.Context, userIDs []string) (map[string]string, error) {
	result := make(map[string]string)
	for _, userID := range userIDs {
		if address, ok := f.emails[userID]; ok {
			result[userID] = address
		}
	}
	return result, nil
}

type fakeSnapshots struct {
	profiles  map[string]preferences.Profile
	overrides map[string]preferences.Override
	failing   map[string]bool
}

func (f *fakeSnapshots) Snapshot(_ context.Context, userID, projectID string) (preferences.Snapshot, error) {
	if f.failing[userID] {
		return preferences.Snapshot{}, errors.New("database unavailable")
	}
	profile, ok := f.profiles[userID]
	if !ok {
		profile = preferences.DefaultProfile(userID)
	}
	if override, ok := f.overrides[userID+"/"+projectID]; ok {
		return preferences.NewSnapshot(profile, &override), nil
	}
	return preferences.NewSnapshot(profile, nil), nil
}

type fakeGate struct {
	allowed map[preferences.Channel]bool
	calls   int
}

func (f *fakeGate) IsStatusEligible(_ context.Context, _, _ string, channel preferences.Channel) (bool, error) {
	f.calls++
	return f.allowed[channel], nil
}

func newTestResolver(t *testing.T, audience *fakeAudience, snapshots *fakeSnapshots, gate *fakeGate) *Resolver {
	t.Helper()
	if snapshots == nil {
		snapshots = &fakeSnapshots{}
	}
	if gate == nil {
		gate = &fakeGate{allowed: map[preferences.Channel]bool{preferences.ChannelPush: true, preferences.ChannelEmail: true}}
	}
	resolver, err := NewResolver(ResolverConfig{Audience: audience, Preferences: snapshots, StatusGate: gate})
	if err != nil {
		t.Fatalf("failed to construct resolver: %v", err)
	}
	return resolver
}

func TestResolveNewFeedbackTargetsOwnerAndMembersExceptActor(t *testing.T) {
	audience := &fakeAudience{
		projects: map[string][]string{"project-p": {"owner", "member-a", "member-b"}},
		emails:   map[string]string{"owner": "owner@example.com"},
	}
	resolver := newTestResolver(t, audience, nil, nil)

	recipients, err := resolver.Resolve(context.Background(), activity.Event{
		Type:       preferences.TypeNewFeedback,
		ProjectID:  "project-p",
		FeedbackID: "feedback-1",
		ActorID:    "member-a",
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	want := []Recipient{
		{UserID: "owner", Address: "owner@example.com", Push: true, Email: true},
		{UserID: "member-b", Push: true},
	}
	if !reflect.DeepEqual(recipients, want) {
		t.Fatalf("unexpected recipients %+v", recipients)
	}
}

func TestResolveNewVoteOnlyNotifiesRegisteredSubmitter(t *testing.T) {
	audience := &fakeAudience{
		submitter: map[string]directory.Contact{
			"feedback-anon": {Email: "guest@example.com"},
			"feedback-user": {UserID: "author"},
		},
	}
	resolver := newTestResolver(t, audience, nil, nil)

	recipients, err := resolver.Resolve(context.Background(), activity.Event{Type: preferences.TypeNewVote, ProjectID: "project-p", FeedbackID: "feedback-anon"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(recipients) != 0 {
		t.Fatalf("expected no recipients for anonymous submitter, got %+v", recipients)
	}

	recipients, err = resolver.Resolve(context.Background(), activity.Event{Type: preferences.TypeNewVote, ProjectID: "project-p", FeedbackID: "feedback-user"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(recipients) != 1 || recipients[0].UserID != "author" || !recipients[0].Push || recipients[0].Email {
		t.Fatalf("unexpected recipients %+v", recipients)
	}
}

func TestResolveProjectOverrideDisablesVotePush(t *testing.T) {
	audience := &fakeAudience{submitter: map[string]directory.Contact{"feedback-1": {UserID: "user-b"}}}
	profile := preferences.DefaultProfile("user-b")
	snapshots := &fakeSnapshots{
		profiles:  map[string]preferences.Profile{"user-b": profile},
		overrides: map[string]preferences.Override{"user-b/project-p": {UserID: "user-b", ProjectID: "project-p", PushNewVote: preferences.Some(false)}},
	}
	resolver := newTestResolver(t, audience, snapshots, nil)

	recipients, err := resolver.Resolve(context.Background(), activity.Event{Type: preferences.TypeNewVote, ProjectID: "project-p", FeedbackID: "feedback-1"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(recipients) != 0 {
		t.Fatalf("expected user-b to be filtered out, got %+v", recipients)
	}
}

func TestResolveStatusChangeMergesRolesAndAppliesGate(t *testing.T) {
	audience := &fakeAudience{
		submitter: map[string]directory.Contact{"feedback-1": {UserID: "user-d", Email: "d-contact@example.com"}},
		voters: map[string][]directory.Contact{"feedback-1": {
			{UserID: "user-d"},
			{Email: "Fan@Example.com"},
			{Email: "fan@example.com"},
			{Email: "d@example.com"},
			{UserID: "voter-v"},
		}},
		emails: map[string]string{"user-d": "d@example.com"},
	}
	gate := &fakeGate{allowed: map[preferences.Channel]bool{preferences.ChannelPush: true, preferences.ChannelEmail: true}}
	resolver := newTestResolver(t, audience, nil, gate)

	recipients, err := resolver.Resolve(context.Background(), activity.Event{
		Type:       preferences.TypeStatusChange,
		ProjectID:  "project-p",
		FeedbackID: "feedback-1",
		NewStatus:  "completed",
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	want := []Recipient{
		{UserID: "user-d", Address: "d@example.com", Push: true, Email: true},
		{Address: "fan@example.com", Email: true},
		{UserID: "voter-v", Push: true},
	}
	if !reflect.DeepEqual(recipients, want) {
		t.Fatalf("unexpected recipients %+v", recipients)
	}
	if gate.calls != 2 {
		t.Fatalf("expected one gate check per channel, got %d", gate.calls)
	}

	seen := make(map[string]struct{})
	for _, recipient := range recipients {
		if _, duplicate := seen[recipient.Key()]; duplicate {
			t.Fatalf("recipient %s returned twice", recipient.Key())
		}
		seen[recipient.Key()] = struct{}{}
	}
}

func TestResolveStatusGateBlocksEmailOnly(t *testing.T) {
	audience := &fakeAudience{
		submitter: map[string]directory.Contact{"feedback-1": {UserID: "author"}},
		emails:    map[string]string{"author": "author@example.com"},
	}
	gate := &fakeGate{allowed: map[preferences.Channel]bool{preferences.ChannelPush: true, preferences.ChannelEmail: false}}
	resolver := newTestResolver(t, audience, nil, gate)

	recipients, err := resolver.Resolve(context.Background(), activity.Event{
		Type:       preferences.TypeStatusChange,
		ProjectID:  "project-p",
		FeedbackID: "feedback-1",
		OldStatus:  "pending",
		NewStatus:  "approved",
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	want := []Recipient{{UserID: "author", Address: "author@example.com", Push: true}}
	if !reflect.DeepEqual(recipients, want) {
		t.Fatalf("unexpected recipients %+v", recipients)
	}
}

func TestResolveSkipsCandidateWhosePreferencesFail(t *testing.T) {
	audience := &fakeAudience{projects: map[string][]string{"project-p": {"owner", "member"}}}
	snapshots := &fakeSnapshots{failing: map[string]bool{"owner": true}}
	resolver := newTestResolver(t, audience, snapshots, nil)

	recipients, err := resolver.Resolve(context.Background(), activity.Event{Type: preferences.TypeNewComment, ProjectID: "project-p", FeedbackID: "feedback-1"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(recipients) != 1 || recipients[0].UserID != "member" {
		t.Fatalf("expected only member to remain, got %+v", recipients)
	}
}

func TestResolveFailsWhenRolesCannotBeGathered(t *testing.T) {
	audience := &fakeAudience{err: directory.ErrProjectNotFound}
	resolver := newTestResolver(t, audience, nil, nil)

	_, err := resolver.Resolve(context.Background(), activity.Event{Type: preferences.TypeNewFeedback, ProjectID: "missing", FeedbackID: "feedback-1"})
	if !errors.Is(err, directory.ErrProjectNotFound) {
		t.Fatalf("expected project not found, got %v", err)
	}
}
