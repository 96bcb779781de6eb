package scheduler

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"novora/api/internal/store"
)

// Member is a survey recipient. EmployeeID only feeds the pseudonym; it
// is never stored.
type Member struct {
	EmployeeID string `yaml:"employee_id"`
	Email      string `yaml:"email"`
	Phone      string `yaml:"phone"`
	ChatID     string `yaml:"chat_id"`
}

// Address returns the member's address on channel, or "".
func (m Member) Address(channel store.Channel) string {
	switch channel {
	case store.ChannelEmail:
		return m.Email
	case store.ChannelSMS:
		return m.Phone
	case store.ChannelChat:
		return m.ChatID
	default:
		return ""
	}
}

// Directory resolves the members of a team.
type Directory interface {
	Members(ctx context.Context, orgID, teamID string) ([]Member, error)
}

// StaticDirectory is a fixed team roster keyed by team id.
type StaticDirectory map[string][]Member

func (d StaticDirectory) Members(_ context.Context, _ string, teamID string) ([]Member, error) {
	return d[teamID], nil
}

// LoadDirectory reads a YAML roster of the form
//
//	teams:
//	  team-id:
//	    - employee_id: e1
//	      email: a@example.com
func LoadDirectory(path string) (StaticDirectory, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	var doc struct {
		Teams map[string][]Member `yaml:"teams"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse directory: %w", err)
	}
	if doc.Teams == nil {
		doc.Teams = map[string][]Member{}
	}
	return StaticDirectory(doc.Teams), nil
}
