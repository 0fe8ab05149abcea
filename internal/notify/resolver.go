package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/featureboard/internal/activity"
	"github.com/MarcoPoloResearchLab/featureboard/internal/directory"
	"github.com/MarcoPoloResearchLab/featureboard/internal/preferences"
	"go.uber.org/zap"
)

// Audience answers who is connected to a project or feedback item.
type Audience interface {
	ProjectAudience(ctx context.Context, projectID string) ([]string, error)
	FeedbackSubmitter(ctx context.Context, feedbackID string) (directory.Contact, error)
	FeedbackVoters(ctx context.Context, feedbackID string) ([]directory.Contact, error)
	Emails(ctx context.Context, userIDs []string) (map[string]string, error)
}

// SnapshotSource loads a user's preferences for one project.
type SnapshotSource interface {
	Snapshot(ctx context.Context, userID, projectID string) (preferences.Snapshot, error)
}

// StatusGate decides whether a status transition is deliverable on a channel.
type StatusGate interface {
	IsStatusEligible(ctx context.Context, projectID, newStatus string, channel preferences.Channel) (bool, error)
}

// Recipient is one person to notify about an event. Anonymous contacts have
// an empty UserID and are reachable by email only.
type Recipient struct {
	UserID  string
	Address string
	Push    bool
	Email   bool
}

// Key identifies the recipient within one event.
func (r Recipient) Key() string {
	if r.UserID != "" {
		return "user:" + r.UserID
	}
	return "email:" + strings.ToLower(r.Address)
}

var errMissingResolverDependency = errors.New("notify: resolver requires audience, preferences and status gate")

// ResolverConfig describes the dependencies of the Resolver.
type ResolverConfig struct {
	Audience    Audience
	Preferences SnapshotSource
	StatusGate  StatusGate
	Logger      *zap.Logger
}

// Resolver turns an event into the ordered, deduplicated list of recipients
// and the channels each may be reached on.
type Resolver struct {
	audience    Audience
	preferences SnapshotSource
	gate        StatusGate
	logger      *zap.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Audience == nil || cfg.Preferences == nil || cfg.StatusGate == nil {
		return nil, errMissingResolverDependency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		audience:    cfg.Audience,
		preferences: cfg.Preferences,
		gate:        cfg.StatusGate,
		logger:      logger,
	}, nil
}

type candidate struct {
	userID string
	email  string
}

func (c candidate) key() string {
	if c.userID != "" {
		return "user:" + c.userID
	}
	return "email:" + c.email
}

// Resolve gathers candidates by role, excludes the actor, merges duplicates
// (first role wins, later roles only fill a missing address) and keeps those
// with at least one eligible channel. Failing to gather roles fails the
// event; a failure for one candidate only skips that candidate.
func (r *Resolver) Resolve(ctx context.Context, event activity.Event) ([]Recipient, error) {
	gathered, err := r.gather(ctx, event)
	if err != nil {
		return nil, err
	}
	candidates := dedupe(gathered, event.ActorID)
	if len(candidates) == 0 {
		return nil, nil
	}
	candidates = r.attachAddresses(ctx, candidates)

	gate := &gateDecisions{gate: r.gate, event: event, logger: r.logger}
	recipients := make([]Recipient, 0, len(candidates))
	for _, current := range candidates {
		recipient, ok := r.evaluate(ctx, event, current, gate)
		if ok {
			recipients = append(recipients, recipient)
		}
	}
	return recipients, nil
}

func (r *Resolver) gather(ctx context.Context, event activity.Event) ([]candidate, error) {
	switch event.Type {
	case preferences.TypeNewFeedback, preferences.TypeNewComment:
		audience, err := r.audience.ProjectAudience(ctx, event.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("notify: project audience: %w", err)
		}
		candidates := make([]candidate, 0, len(audience))
		for _, userID := range audience {
			candidates = append(candidates, candidate{userID: userID})
		}
		return candidates, nil
	case preferences.TypeNewVote:
		submitter, err := r.audience.FeedbackSubmitter(ctx, event.FeedbackID)
		if err != nil {
			return nil, fmt.Errorf("notify: feedback submitter: %w", err)
		}
		if !submitter.Registered() {
			return nil, nil
		}
		return []candidate{{userID: submitter.UserID, email: submitter.Email}}, nil
	case preferences.TypeStatusChange:
		submitter, err := r.audience.FeedbackSubmitter(ctx, event.FeedbackID)
		if err != nil {
			return nil, fmt.Errorf("notify: feedback submitter: %w", err)
		}
		voters, err := r.audience.FeedbackVoters(ctx, event.FeedbackID)
		if err != nil {
			return nil, fmt.Errorf("notify: feedback voters: %w", err)
		}
		candidates := make([]candidate, 0, len(voters)+1)
		if submitter.Reachable() {
			candidates = append(candidates, candidate{userID: submitter.UserID, email: submitter.Email})
		}
		for _, voter := range voters {
			candidates = append(candidates, candidate{userID: voter.UserID, email: voter.Email})
		}
		return candidates, nil
	default:
		return nil, fmt.Errorf("%w: %q", preferences.ErrInvalidNotificationType, event.Type)
	}
}

func dedupe(gathered []candidate, actorID string) []candidate {
	merged := make([]candidate, 0, len(gathered))
	positions := make(map[string]int, len(gathered))
	for _, current := range gathered {
		current.userID = strings.TrimSpace(current.userID)
		current.email = strings.ToLower(strings.TrimSpace(current.email))
		if current.userID == "" && current.email == "" {
			continue
		}
		if actorID != "" && current.userID == actorID {
			continue
		}
		key := current.key()
		if index, seen := positions[key]; seen {
			if merged[index].email == "" {
				merged[index].email = current.email
			}
			continue
		}
		positions[key] = len(merged)
		merged = append(merged, current)
	}
	return merged
}

// attachAddresses prefers each registered user's account address over an
// address left on the feedback, then drops anonymous contacts whose address
// already belongs to a registered candidate.
func (r *Resolver) attachAddresses(ctx context.Context, candidates []candidate) []candidate {
	userIDs := make([]string, 0, len(candidates))
	for _, current := range candidates {
		if current.userID != "" {
			userIDs = append(userIDs, current.userID)
		}
	}
	if len(userIDs) > 0 {
		addresses, err := r.audience.Emails(ctx, userIDs)
		if err != nil {
			r.logger.Warn("recipient email lookup failed",
				zap.String("operation", "notify.resolve"),
				zap.Int("users", len(userIDs)),
				zap.Error(err))
		}
		for index := range candidates {
			if address := strings.ToLower(strings.TrimSpace(addresses[candidates[index].userID])); address != "" {
				candidates[index].email = address
			}
		}
	}

	registered := make(map[string]struct{}, len(candidates))
	for _, current := range candidates {
		if current.userID != "" && current.email != "" {
			registered[current.email] = struct{}{}
		}
	}
	kept := candidates[:0]
	for _, current := range candidates {
		if current.userID == "" {
			if _, claimed := registered[current.email]; claimed {
				continue
			}
		}
		kept = append(kept, current)
	}
	return kept
}

func (r *Resolver) evaluate(ctx context.Context, event activity.Event, current candidate, gate *gateDecisions) (Recipient, bool) {
	snapshot := preferences.NewSnapshot(preferences.DefaultProfile(current.userID), nil)
	if current.userID != "" {
		loaded, err := r.preferences.Snapshot(ctx, current.userID, event.ProjectID)
		if err != nil {
			r.logger.Warn("recipient preferences unavailable, skipping",
				zap.String("operation", "notify.resolve"),
				zap.String("user_id", current.userID),
				zap.String("project_id", event.ProjectID),
				zap.Error(err))
			return Recipient{}, false
		}
		snapshot = loaded
	}

	recipient := Recipient{UserID: current.userID, Address: current.email}
	if current.userID != "" && snapshot.Effective(preferences.ChannelPush, event.Type) {
		recipient.Push = gate.allows(ctx, preferences.ChannelPush)
	}
	if current.email != "" && snapshot.Effective(preferences.ChannelEmail, event.Type) {
		recipient.Email = gate.allows(ctx, preferences.ChannelEmail)
	}
	if !recipient.Push && !recipient.Email {
		return Recipient{}, false
	}
	return recipient, true
}

// gateDecisions asks the status gate at most once per channel per event. A
// gate failure closes the channel for the event.
type gateDecisions struct {
	gate      StatusGate
	event     activity.Event
	logger    *zap.Logger
	decisions map[preferences.Channel]bool
}

func (g *gateDecisions) allows(ctx context.Context, channel preferences.Channel) bool {
	if g.event.Type != preferences.TypeStatusChange {
		return true
	}
	if decision, ok := g.decisions[channel]; ok {
		return decision
	}
	if g.decisions == nil {
		g.decisions = make(map[preferences.Channel]bool, 2)
	}
	eligible, err := g.gate.IsStatusEligible(ctx, g.event.ProjectID, g.event.NewStatus, channel)
	if err != nil {
		g.logger.Warn("status gate check failed",
			zap.String("operation", "notify.resolve"),
			zap.String("project_id", g.event.ProjectID),
			zap.String("channel", string(channel)),
			zap.Error(err))
		eligible = false
	}
	g.decisions[channel] = eligible
	return eligible
}
