package domain

import "time"

// User is a staff member and a node of the notification graph.
type User struct {
	ID                 string
	Alias              string
	Name               string
	Number             string
	Department         string
	IsGlobalAdmin      bool
	IsDeptAdmin        bool
	IsActive           bool
	ReportingOfficerID string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// DisplayName prefers the alias.
func (u User) DisplayName() string {
	if u.Alias != "" {
		return u.Alias
	}
	return u.Name
}
