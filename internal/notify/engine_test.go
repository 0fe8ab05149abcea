package notify

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/featureboard/internal/activity"
	"github.com/MarcoPoloResearchLab/featureboard/internal/database"
	"github.com/MarcoPoloResearchLab/featureboard/internal/delivery"
	"github.com/MarcoPoloResearchLab/featureboard/internal/devices"
	"github.com/MarcoPoloResearchLab/featureboard/internal/directory"
	"github.com/MarcoPoloResearchLab/featureboard/internal/ids"
	"github.com/MarcoPoloResearchLab/featureboard/internal/preferences"
	"github.com/MarcoPoloResearchLab/featureboard/internal/push"
	"github.com/MarcoPoloResearchLab/featureboard/internal/queue"
	"github.com/MarcoPoloResearchLab/featureboard/internal/statusgate"
	"github.com/MarcoPoloResearchLab/featureboard/internal/users"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const (
	testProjectID = "project-p"
	testOwnerID   = "user-owner"
)

type engineHarness struct {
	db          *gorm.DB
	preferences *preferences.Store
	registry    *devices.Registry
	gate        *statusgate.Gate
	push        *scriptedPush
	email       *scriptedEmail
	engine      *Engine
}

func newEngineHarness(t *testing.T, provider *scriptedPush) *engineHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:notify_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.Open(database.Config{Driver: database.DriverSQLite, Path: dsn, ManageDirectoryTables: true}, nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	store, err := preferences.NewStore(preferences.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct preference store: %v", err)
	}
	registry, err := devices.NewRegistry(devices.RegistryConfig{Database: db, IDProvider: ids.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	gate, err := statusgate.New(statusgate.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to construct status gate: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct user service: %v", err)
	}
	audience, err := directory.New(directory.Config{Database: db, Emails: userService})
	if err != nil {
		t.Fatalf("failed to construct directory: %v", err)
	}
	records, err := delivery.NewLog(delivery.LogConfig{Database: db, IDProvider: ids.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to construct delivery log: %v", err)
	}

	resolver, err := NewResolver(ResolverConfig{Audience: audience, Preferences: store, StatusGate: gate})
	if err != nil {
		t.Fatalf("failed to construct resolver: %v", err)
	}
	if provider == nil {
		provider = &scriptedPush{}
	}
	sender := &scriptedEmail{}
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Endpoints:   registry,
		Push:        provider,
		Email:       sender,
		Records:     records,
		Concurrency: 4,
		SendTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("failed to construct dispatcher: %v", err)
	}
	engine, err := NewEngine(EngineConfig{
		Queue:      queue.NewMemory(16),
		Resolver:   resolver,
		Dispatcher: dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}

	harness := &engineHarness{
		db:          db,
		preferences: store,
		registry:    registry,
		gate:        gate,
		push:        provider,
		email:       sender,
		engine:      engine,
	}
	harness.seed(t, &directory.Project{ID: testProjectID, OwnerID: testOwnerID, Name: "Roadmap"})
	return harness
}

func (h *engineHarness) seed(t *testing.T, rows ...any) {
	t.Helper()
	for _, row := range rows {
		if err := h.db.Create(row).Error; err != nil {
			t.Fatalf("failed to seed %T: %v", row, err)
		}
	}
}

func (h *engineHarness) member(t *testing.T, userID string) {
	t.Helper()
	h.seed(t, &directory.ProjectMember{ProjectID: testProjectID, UserID: userID, CreatedAt: time.Now().UTC()})
}

func (h *engineHarness) account(t *testing.T, userID, address string) {
	t.Helper()
	h.seed(t, &users.Identity{Provider: "google", Subject: userID, UserID: userID, Email: address})
}

func (h *engineHarness) device(t *testing.T, userID, token string) devices.Endpoint {
	t.Helper()
	endpoint, err := h.registry.Register(context.Background(), userID, token, "ios")
	if err != nil {
		t.Fatalf("failed to register %s: %v", token, err)
	}
	return endpoint
}

func (h *engineHarness) records(t *testing.T, userID string, channel preferences.Channel) []delivery.Record {
	t.Helper()
	var stored []delivery.Record
	if err := h.db.Where("recipient_user_id = ? AND channel = ?", userID, channel).Find(&stored).Error; err != nil {
		t.Fatalf("failed to load delivery records: %v", err)
	}
	return stored
}

func TestProcessNewFeedbackPushesEveryActiveEndpoint(t *testing.T) {
	harness := newEngineHarness(t, nil)
	harness.member(t, "user-a")
	first := harness.device(t, "user-a", "token-a1")
	second := harness.device(t, "user-a", "token-a2")

	summary, err := harness.engine.Process(context.Background(), activity.Event{
		Type:       preferences.TypeNewFeedback,
		ProjectID:  testProjectID,
		FeedbackID: "feedback-1",
		ActorID:    testOwnerID,
		Title:      "Dark mode",
	})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if summary.Recipients != 1 || summary.Sent != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	stored := harness.records(t, "user-a", preferences.ChannelPush)
	if len(stored) != 2 {
		t.Fatalf("expected a push record per endpoint, got %d", len(stored))
	}
	seen := map[string]bool{}
	for _, record := range stored {
		if record.Outcome != delivery.OutcomeSent || record.EndpointID == nil {
			t.Fatalf("unexpected record %+v", record)
		}
		seen[*record.EndpointID] = true
	}
	if !seen[first.ID] || !seen[second.ID] {
		t.Fatalf("expected both endpoints attempted, got %v", seen)
	}
	if owner := harness.records(t, testOwnerID, preferences.ChannelPush); len(owner) != 0 {
		t.Fatalf("actor must not be notified about their own feedback")
	}
}

func TestProcessProjectOverrideSuppressesVotePush(t *testing.T) {
	harness := newEngineHarness(t, nil)
	ctx := context.Background()
	harness.seed(t, &directory.Feedback{ID: "feedback-1", ProjectID: testProjectID, SubmitterID: "user-b", Title: "Export"})
	harness.device(t, "user-b", "token-b1")

	profile := preferences.DefaultProfile("user-b")
	if _, err := harness.preferences.SaveProfile(ctx, profile); err != nil {
		t.Fatalf("save profile failed: %v", err)
	}
	if _, err := harness.preferences.SaveOverride(ctx, preferences.Override{
		UserID:      "user-b",
		ProjectID:   testProjectID,
		PushNewVote: preferences.Some(false),
	}); err != nil {
		t.Fatalf("save override failed: %v", err)
	}

	summary, err := harness.engine.Process(ctx, activity.Event{
		Type:       preferences.TypeNewVote,
		ProjectID:  testProjectID,
		FeedbackID: "feedback-1",
		ActorID:    "user-voter",
		VoteCount:  3,
	})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if summary.Attempts != 0 {
		t.Fatalf("expected no attempts, got %+v", summary)
	}
	if stored := harness.records(t, "user-b", preferences.ChannelPush); len(stored) != 0 {
		t.Fatalf("expected no push records, got %d", len(stored))
	}
}

func TestProcessStatusGateBlocksEmailForUnlistedStatus(t *testing.T) {
	harness := newEngineHarness(t, nil)
	ctx := context.Background()
	harness.seed(t, &directory.Feedback{ID: "feedback-1", ProjectID: testProjectID, SubmitterID: "user-s", Title: "SSO", Status: "approved"})
	harness.account(t, "user-s", "s@example.com")
	if _, err := harness.gate.SetStatuses(ctx, testProjectID, []string{"completed", "rejected"}); err != nil {
		t.Fatalf("set statuses failed: %v", err)
	}

	event := activity.Event{
		Type:       preferences.TypeStatusChange,
		ProjectID:  testProjectID,
		FeedbackID: "feedback-1",
		ActorID:    testOwnerID,
		OldStatus:  "pending",
		NewStatus:  "approved",
	}
	if _, err := harness.engine.Process(ctx, event); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if stored := harness.records(t, "user-s", preferences.ChannelEmail); len(stored) != 0 {
		t.Fatalf("expected no email for an unlisted status, got %d records", len(stored))
	}

	event.OldStatus, event.NewStatus = "approved", "completed"
	if _, err := harness.engine.Process(ctx, event); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	stored := harness.records(t, "user-s", preferences.ChannelEmail)
	if len(stored) != 1 || stored[0].Address != "s@example.com" || stored[0].Outcome != delivery.OutcomeSent {
		t.Fatalf("expected one email for a listed status, got %+v", stored)
	}
}

func TestProcessStatusChangeEmailRequiresPreferenceWhenGateAllows(t *testing.T) {
	harness := newEngineHarness(t, nil)
	ctx := context.Background()
	harness.seed(t, &directory.Feedback{ID: "feedback-1", ProjectID: testProjectID, SubmitterID: "user-author", Title: "Audit log", Status: "completed"})
	harness.account(t, "user-author", "author@example.com")
	harness.device(t, "user-author", "token-author")
	if _, err := harness.gate.SetStatuses(ctx, testProjectID, []string{"completed"}); err != nil {
		t.Fatalf("set statuses failed: %v", err)
	}

	profile := preferences.DefaultProfile("user-author")
	profile.SetFlag(preferences.ChannelEmail, preferences.TypeStatusChange, false)
	if _, err := harness.preferences.SaveProfile(ctx, profile); err != nil {
		t.Fatalf("save profile failed: %v", err)
	}

	summary, err := harness.engine.Process(ctx, activity.Event{
		Type:       preferences.TypeStatusChange,
		ProjectID:  testProjectID,
		FeedbackID: "feedback-1",
		ActorID:    testOwnerID,
		OldStatus:  "in_progress",
		NewStatus:  "completed",
	})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if summary.Recipients != 1 {
		t.Fatalf("expected the author to remain a push recipient, got %+v", summary)
	}
	if stored := harness.records(t, "user-author", preferences.ChannelEmail); len(stored) != 0 {
		t.Fatalf("expected no email when the status change preference is off, got %d records", len(stored))
	}
	if stored := harness.records(t, "user-author", preferences.ChannelPush); len(stored) != 1 {
		t.Fatalf("expected one push record, got %d", len(stored))
	}
	harness.email.mu.Lock()
	sent := len(harness.email.addresses)
	harness.email.mu.Unlock()
	if sent != 0 {
		t.Fatalf("expected the email sender to be untouched, got %d sends", sent)
	}
}

func TestProcessInvalidTokenExpiresEndpointOnce(t *testing.T) {
	provider := &scriptedPush{results: map[string]push.Result{"token-c1": push.InvalidToken}}
	harness := newEngineHarness(t, provider)
	ctx := context.Background()
	harness.member(t, "user-c")
	expired := harness.device(t, "user-c", "token-c1")

	event := activity.Event{Type: preferences.TypeNewComment, ProjectID: testProjectID, FeedbackID: "feedback-1", ActorID: testOwnerID}
	summary, err := harness.engine.Process(ctx, event)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if summary.Expired != 1 {
		t.Fatalf("expected one expired attempt, got %+v", summary)
	}

	active, err := harness.registry.ListActive(ctx, "user-c")
	if err != nil {
		t.Fatalf("list active failed: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected the endpoint to be deactivated, got %+v", active)
	}
	stored := harness.records(t, "user-c", preferences.ChannelPush)
	if len(stored) != 1 || stored[0].Outcome != delivery.OutcomeExpired || *stored[0].EndpointID != expired.ID {
		t.Fatalf("expected exactly one expired record, got %+v", stored)
	}

	if _, err := harness.engine.Process(ctx, event); err != nil {
		t.Fatalf("second process failed: %v", err)
	}
	if again := harness.records(t, "user-c", preferences.ChannelPush); len(again) != 1 {
		t.Fatalf("inactive endpoint must not be attempted again, got %d records", len(again))
	}
}

func TestProcessStatusChangeNotifiesOverlappingRolesOnce(t *testing.T) {
	harness := newEngineHarness(t, nil)
	ctx := context.Background()
	harness.member(t, "user-d")
	harness.account(t, "user-d", "d@example.com")
	harness.device(t, "user-d", "token-d1")
	harness.seed(t,
		&directory.Feedback{ID: "feedback-1", ProjectID: testProjectID, SubmitterID: "user-d", SubmitterEmail: "d@example.com", Title: "Webhooks"},
		&directory.Vote{ID: "vote-1", FeedbackID: "feedback-1", VoterID: "user-d", CreatedAt: time.Now().UTC()},
	)
	if _, err := harness.gate.SetStatuses(ctx, testProjectID, []string{"completed"}); err != nil {
		t.Fatalf("set statuses failed: %v", err)
	}

	summary, err := harness.engine.Process(ctx, activity.Event{
		Type:       preferences.TypeStatusChange,
		ProjectID:  testProjectID,
		FeedbackID: "feedback-1",
		ActorID:    testOwnerID,
		OldStatus:  "in_progress",
		NewStatus:  "completed",
	})
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if summary.Recipients != 1 {
		t.Fatalf("expected one recipient, got %+v", summary)
	}
	if stored := harness.records(t, "user-d", preferences.ChannelPush); len(stored) != 1 {
		t.Fatalf("expected one push record, got %d", len(stored))
	}
	if stored := harness.records(t, "user-d", preferences.ChannelEmail); len(stored) != 1 {
		t.Fatalf("expected one email record, got %d", len(stored))
	}
}

func TestSubmitDropsMalformedEvents(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	memory := queue.NewMemory(4)
	engine, err := NewEngine(EngineConfig{
		Queue:      memory,
		Resolver:   &countingResolver{},
		Dispatcher: &countingDispatcher{},
		Logger:     zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}

	engine.Submit(activity.Event{Type: "new_reaction", ProjectID: testProjectID, FeedbackID: "feedback-1"})
	engine.Submit(activity.Event{Type: preferences.TypeNewComment, FeedbackID: "feedback-1"})
	engine.Submit(activity.Event{Type: preferences.TypeStatusChange, ProjectID: testProjectID, FeedbackID: "feedback-1"})

	if memory.Len() != 0 {
		t.Fatalf("malformed events must not be queued, found %d", memory.Len())
	}
	if entries := logs.FilterMessage("malformed event dropped").Len(); entries != 3 {
		t.Fatalf("expected three malformed warnings, got %d", entries)
	}
}

func TestSubmitNeverBlocksOnFullQueue(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	engine, err := NewEngine(EngineConfig{
		Queue:      queue.NewMemory(1),
		Resolver:   &countingResolver{},
		Dispatcher: &countingDispatcher{},
		Logger:     zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 5 {
			engine.Submit(validEvent("feedback-1"))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("submit blocked on a full queue")
	}

	dropped := logs.FilterMessage("event dropped").All()
	if len(dropped) != 4 {
		t.Fatalf("expected four dropped events, got %d", len(dropped))
	}
	if err, ok := dropped[0].ContextMap()["error"]; !ok || err != queue.ErrQueueFull.Error() {
		t.Fatalf("expected queue full reason, got %v", dropped[0].ContextMap())
	}
}

// stallingQueue blocks Enqueue until the caller's context ends, like a
// network backend that stopped answering.
type stallingQueue struct{}

func (stallingQueue) Enqueue(ctx context.Context, _ activity.Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stallingQueue) Dequeue(ctx context.Context) (activity.Event, error) {
	<-ctx.Done()
	return activity.Event{}, ctx.Err()
}

func (stallingQueue) Close() error {
	return nil
}

func TestSubmitBoundsWaitOnStalledQueue(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	engine, err := NewEngine(EngineConfig{
		Queue:         stallingQueue{},
		Resolver:      &countingResolver{},
		Dispatcher:    &countingDispatcher{},
		SubmitTimeout: 20 * time.Millisecond,
		Logger:        zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}

	started := time.Now()
	engine.Submit(validEvent("feedback-1"))
	if elapsed := time.Since(started); elapsed > 500*time.Millisecond {
		t.Fatalf("submit held the caller for %s", elapsed)
	}
	dropped := logs.FilterMessage("event dropped").All()
	if len(dropped) != 1 || dropped[0].ContextMap()["error"] != context.DeadlineExceeded.Error() {
		t.Fatalf("expected one drop for the stalled enqueue, got %v", logs.All())
	}

	defaults, err := NewEngine(EngineConfig{Queue: stallingQueue{}, Resolver: &countingResolver{}, Dispatcher: &countingDispatcher{}})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	if defaults.submitTimeout != defaultSubmitTimeout || defaultSubmitTimeout > 500*time.Millisecond {
		t.Fatalf("unexpected default submit timeout %s", defaults.submitTimeout)
	}
}

func TestCloseDrainsBufferedEvents(t *testing.T) {
	resolver := &countingResolver{}
	dispatcher := &countingDispatcher{}
	engine, err := NewEngine(EngineConfig{
		Queue:      queue.NewMemory(8),
		Resolver:   resolver,
		Dispatcher: dispatcher,
		Workers:    2,
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}

	for index := range 5 {
		engine.Submit(validEvent(fmt.Sprintf("feedback-%d", index)))
	}
	engine.Start(context.Background())
	if err := engine.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if got := dispatcher.calls.Load(); got != 5 {
		t.Fatalf("expected five dispatched events after drain, got %d", got)
	}

	engine.Submit(validEvent("feedback-late"))
	if got := resolver.calls.Load(); got != 5 {
		t.Fatalf("events submitted after close must be dropped, resolver saw %d", got)
	}
}

func TestWorkersSurvivePanicsAndFailures(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	resolver := &countingResolver{
		panics: map[string]bool{"feedback-panic": true},
		fails:  map[string]bool{"feedback-fail": true},
	}
	dispatcher := &countingDispatcher{}
	engine, err := NewEngine(EngineConfig{
		Queue:      queue.NewMemory(8),
		Resolver:   resolver,
		Dispatcher: dispatcher,
		Workers:    1,
		Logger:     zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}

	engine.Start(context.Background())
	engine.Submit(validEvent("feedback-panic"))
	engine.Submit(validEvent("feedback-fail"))
	engine.Submit(validEvent("feedback-ok"))
	if err := engine.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if got := dispatcher.calls.Load(); got != 1 {
		t.Fatalf("expected the healthy event to be dispatched, got %d", got)
	}
	if logs.FilterMessage("event processing panicked").Len() != 1 {
		t.Fatalf("expected the panic to be logged")
	}
	if logs.FilterMessage("event processing failed").Len() != 1 {
		t.Fatalf("expected the resolution failure to be logged")
	}
}

type countingResolver struct {
	calls  atomic.Int32
	panics map[string]bool
	fails  map[string]bool
}

func (c *countingResolver) Resolve(_ context.Context, event activity.Event) ([]Recipient, error) {
	c.calls.Add(1)
	if c.panics[event.FeedbackID] {
		panic("resolver exploded")
	}
	if c.fails[event.FeedbackID] {
		return nil, errors.New("directory unavailable")
	}
	return []Recipient{{UserID: "user-a", Push: true}}, nil
}

type countingDispatcher struct {
	calls atomic.Int32
}

func (c *countingDispatcher) Dispatch(_ context.Context, _ activity.Event, recipients []Recipient) Summary {
	c.calls.Add(1)
	return Summary{Recipients: len(recipients)}
}

func validEvent(feedbackID string) activity.Event {
	return activity.Event{Type: preferences.TypeNewComment, ProjectID: testProjectID, FeedbackID: feedbackID}
}
