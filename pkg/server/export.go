package server

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/gokarma/pkg/datastore"
)

// UserYAML represents a user in YAML export.
type UserYAML struct {
	ID        int64  `yaml:"id"`
	Username  string `yaml:"username"`
	Karma     int64  `yaml:"karma"`
	Streak    int64  `yaml:"streak"`
	CreatedAt string `yaml:"created_at"`
}

// UsersExport is the top-level YAML for user export.
type UsersExport struct {
	Users []UserYAML `yaml:"users"`
}

// ExportUsersYAML exports all users with their karma standings as YAML.
func ExportUsersYAML(ctx context.Context, st datastore.UserStore) ([]byte, error) {
	users, err := st.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("export users: %w", err)
	}

	export := UsersExport{Users: []UserYAML{}}
	for _, u := range users {
		export.Users = append(export.Users, UserYAML{
			ID:        u.ID,
			Username:  u.Username,
			Karma:     u.Karma,
			Streak:    u.Streak,
			CreatedAt: u.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		})
	}
	return yaml.Marshal(&export)
}
