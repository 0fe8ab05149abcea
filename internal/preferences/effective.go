package preferences

// Effective cascades a user's settings into a single permission for one
// (channel, type) pair. Precedence, highest first:
//
//  1. the profile's global switch for the channel is off: false
//  2. the project override mutes the channel: false
//  3. the project override sets the (channel, type) field: that value
//  4. the profile's personal flag for (channel, type)
//
// A nil override behaves exactly like an override with every field unset and
// no channel muted.
func Effective(profile Profile, override *Override, channel Channel, notificationType NotificationType) bool {
	if !profile.GlobalEnabled(channel) {
		return false
	}
	if override != nil {
		if override.Muted(channel) {
			return false
		}
		if value, ok := override.Field(channel, notificationType).Get(); ok {
			return value
		}
	}
	return profile.Flag(channel, notificationType)
}

// Snapshot is an immutable view of one user's preferences for one project,
// taken at resolution time.
type Snapshot struct {
	profile     Profile
	override    Override
	hasOverride bool
}

// NewSnapshot copies the inputs into a Snapshot.
func NewSnapshot(profile Profile, override *Override) Snapshot {
	snapshot := Snapshot{profile: profile}
	if override != nil {
		snapshot.override = *override
		snapshot.hasOverride = true
	}
	return snapshot
}

// Profile returns the user's profile as captured.
func (s Snapshot) Profile() Profile {
	return s.profile
}

// Override returns the captured project override, if one existed.
func (s Snapshot) Override() (Override, bool) {
	return s.override, s.hasOverride
}

// Effective applies the precedence rules to the captured settings.
func (s Snapshot) Effective(channel Channel, notificationType NotificationType) bool {
	if !s.hasOverride {
		return Effective(s.profile, nil, channel, notificationType)
	}
	override := s.override
	return Effective(s.profile, &override, channel, notificationType)
}
