package models

// Scope partitions every table: the live dataset of a user has an empty PreviewID
type Scope struct {
	Username  string
	PreviewID string
}

// Live returns the live scope for a user
func Live(username string) Scope {
	return Scope{Username: username}
}

// IsPreview reports whether the scope addresses a preview dataset
func (s Scope) IsPreview() bool {
	return s.PreviewID != ""
}

// LockKey is the per-user serialization key; previews share it with live runs
func (s Scope) LockKey() string {
	return s.Username
}
