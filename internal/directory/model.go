package directory

import "time"

// Project is the read-only view of a project row owned by the CRUD layer.
type Project struct {
	ID        string    `gorm:"column:id;primaryKey;size:190"`
	OwnerID   string    `gorm:"column:owner_id;size:190;not null;index"`
	Name      string    `gorm:"column:name;size:320"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName binds the model to projects.
func (Project) TableName() string {
	return "projects"
}

// ProjectMember links a user to a project they collaborate on.
type ProjectMember struct {
	ProjectID string    `gorm:"column:project_id;primaryKey;size:190"`
	UserID    string    `gorm:"column:user_id;primaryKey;size:190"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName binds the model to project_members.
func (ProjectMember) TableName() string {
	return "project_members"
}

// Feedback is one feedback item. Anonymous submitters leave SubmitterID empty
// and may leave an email instead.
type Feedback struct {
	ID             string    `gorm:"column:id;primaryKey;size:190"`
	ProjectID      string    `gorm:"column:project_id;size:190;not null;index"`
	SubmitterID    string    `gorm:"column:submitter_id;size:190"`
	SubmitterEmail string    `gorm:"column:submitter_email;size:320"`
	Title          string    `gorm:"column:title;size:512"`
	Status         string    `gorm:"column:status;size:32"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

// TableName binds the model to feedback.
func (Feedback) TableName() string {
	return "feedback"
}

// Vote is one vote on a feedback item, by a registered user or an email.
type Vote struct {
	ID         string    `gorm:"column:id;primaryKey;size:190"`
	FeedbackID string    `gorm:"column:feedback_id;size:190;not null;index"`
	VoterID    string    `gorm:"column:voter_id;size:190"`
	VoterEmail string    `gorm:"column:voter_email;size:320"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName binds the model to votes.
func (Vote) TableName() string {
	return "votes"
}

// Contact identifies someone reachable about a feedback item: a registered
// user, an anonymous email address, or both.
type Contact struct {
	UserID string
	Email  string
}

// Registered reports whether the contact is a signed-up user.
func (c Contact) Registered() bool {
	return c.UserID != ""
}

// Reachable reports whether the contact carries any identity at all.
func (c Contact) Reachable() bool {
	return c.UserID != "" || c.Email != ""
}
