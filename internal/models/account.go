package models

// Privacy controls who may start a conversation with an account.
type Privacy string

const (
	PrivacyEveryone  Privacy = "everyone"
	PrivacyFollowers Privacy = "followers"
	PrivacyNobody    Privacy = "nobody"
)

// Valid reports whether p is a known setting.
func (p Privacy) Valid() bool {
	switch p {
	case PrivacyEveryone, PrivacyFollowers, PrivacyNobody:
		return true
	}
	return false
}

// Account is the read-only profile the messaging core needs about a user.
type Account struct {
	ID                 string  `db:"id" json:"id"`
	DisplayName        string  `db:"display_name" json:"display_name"`
	Username           string  `db:"username" json:"username"`
	AvatarURL          string  `db:"avatar_url" json:"avatar_url,omitempty"`
	AllowsMessagesFrom Privacy `db:"allows_messages_from" json:"allows_messages_from"`
}

// Name returns the best display label for the account.
func (a Account) Name() string {
	if a.DisplayName != "" {
		return a.DisplayName
	}
	if a.Username != "" {
		return a.Username
	}
	return a.ID
}
