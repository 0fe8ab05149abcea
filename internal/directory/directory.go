package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

var (
	// ErrProjectNotFound indicates that the project does not exist.
	ErrProjectNotFound = errors.New("directory: project not found")
	// ErrFeedbackNotFound indicates that the feedback item does not exist.
	ErrFeedbackNotFound = errors.New("directory: feedback not found")

	errMissingDatabase = errors.New("directory: database handle is required")
)

// EmailLookup resolves user ids to their contact addresses.
type EmailLookup interface {
	Emails(ctx context.Context, userIDs []string) (map[string]string, error)
}

// Config describes the dependencies of the Directory.
type Config struct {
	Database *gorm.DB
	Emails   EmailLookup
}

// Directory answers who is connected to a project or a feedback item.
type Directory struct {
	db     *gorm.DB
	emails EmailLookup
}

// New constructs a Directory.
func New(cfg Config) (*Directory, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	return &Directory{db: cfg.Database, emails: cfg.Emails}, nil
}

// ProjectAudience returns the owner followed by the members, each once.
func (d *Directory) ProjectAudience(ctx context.Context, projectID string) ([]string, error) {
	project, err := d.project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var members []ProjectMember
	if err := d.db.WithContext(ctx).
		Where("project_id = ?", project.ID).
		Order("created_at ASC").
		Order("user_id ASC").
		Find(&members).Error; err != nil {
		return nil, fmt.Errorf("directory: members of %s: %w", project.ID, err)
	}

	audience := make([]string, 0, len(members)+1)
	seen := make(map[string]struct{}, len(members)+1)
	for _, userID := range append([]string{project.OwnerID}, memberIDs(members)...) {
		trimmed := strings.TrimSpace(userID)
		if trimmed == "" {
			continue
		}
		if _, duplicate := seen[trimmed]; duplicate {
			continue
		}
		seen[trimmed] = struct{}{}
		audience = append(audience, trimmed)
	}
	return audience, nil
}

// IsOwner reports whether userID owns the project.
func (d *Directory) IsOwner(ctx context.Context, projectID, userID string) (bool, error) {
	project, err := d.project(ctx, projectID)
	if err != nil {
		return false, err
	}
	return project.OwnerID != "" && project.OwnerID == strings.TrimSpace(userID), nil
}

// FeedbackSubmitter returns the contact who submitted the feedback item.
func (d *Directory) FeedbackSubmitter(ctx context.Context, feedbackID string) (Contact, error) {
	var feedback Feedback
	err := d.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(feedbackID)).Take(&feedback).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Contact{}, fmt.Errorf("%w: %s", ErrFeedbackNotFound, feedbackID)
	}
	if err != nil {
		return Contact{}, fmt.Errorf("directory: feedback %s: %w", feedbackID, err)
	}
	return newContact(feedback.SubmitterID, feedback.SubmitterEmail), nil
}

// FeedbackVoters returns every voter on the feedback item who left an
// identity or an email, in voting order.
func (d *Directory) FeedbackVoters(ctx context.Context, feedbackID string) ([]Contact, error) {
	var votes []Vote
	if err := d.db.WithContext(ctx).
		Where("feedback_id = ?", strings.TrimSpace(feedbackID)).
		Order("created_at ASC").
		Order("id ASC").
		Find(&votes).Error; err != nil {
		return nil, fmt.Errorf("directory: voters of %s: %w", feedbackID, err)
	}
	contacts := make([]Contact, 0, len(votes))
	for _, vote := range votes {
		contact := newContact(vote.VoterID, vote.VoterEmail)
		if contact.Reachable() {
			contacts = append(contacts, contact)
		}
	}
	return contacts, nil
}

// Emails resolves registered users to their addresses. Without a configured
// lookup every user is treated as having no address.
func (d *Directory) Emails(ctx context.Context, userIDs []string) (map[string]string, error) {
	if d.emails == nil || len(userIDs) == 0 {
		return map[string]string{}, nil
	}
	return d.emails.Emails(ctx, userIDs)
}

func (d *Directory) project(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := d.db.WithContext(ctx).Where("id = ?", strings.TrimSpace(projectID)).Take(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Project{}, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	if err != nil {
		return Project{}, fmt.Errorf("directory: project %s: %w", projectID, err)
	}
	return project, nil
}

func memberIDs(members []ProjectMember) []string {
	identifiers := make([]string, 0, len(members))
	for _, member := range members {
		identifiers = append(identifiers, member.UserID)
	}
	return identifiers
}

func newContact(userID, email string) Contact {
	return Contact{
		UserID: strings.TrimSpace(userID),
		Email:  strings.ToLower(strings.TrimSpace(email)),
	}
}
