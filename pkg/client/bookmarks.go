package client

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Bookmark is a saved server login.
type Bookmark struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Token    string `yaml:"token,omitempty"`
	LastUsed int64  `yaml:"last_used,omitempty"`
}

// BookmarkStore keeps bookmarks in a YAML file.
type BookmarkStore struct {
	path      string
	Bookmarks []Bookmark `yaml:"bookmarks"`
}

// DefaultBookmarkPath is servers.yaml in the user config directory, or next
// to the executable when that is unknown.
func DefaultBookmarkPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "gokarma", "servers.yaml")
	}
	exePath, err := os.Executable()
	if err != nil {
		exePath = "."
	}
	return filepath.Join(filepath.Dir(exePath), "servers.yaml")
}

// NewBookmarkStore creates a store backed by path. Call Load to read it.
func NewBookmarkStore(path string) *BookmarkStore {
	return &BookmarkStore{path: path}
}

// Load reads bookmarks from disk. A missing file is an empty list.
func (bs *BookmarkStore) Load() error {
	data, err := os.ReadFile(bs.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			bs.Bookmarks = nil
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, bs)
}

// Save writes bookmarks to disk. Tokens are secrets, so the file is 0600.
func (bs *BookmarkStore) Save() error {
	data, err := yaml.Marshal(bs)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(bs.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(bs.path, data, 0o600)
}

// Add adds or replaces the bookmark for b's URL and username. Returns true if
// it was a new entry.
func (bs *BookmarkStore) Add(b Bookmark) bool {
	for i, existing := range bs.Bookmarks {
		if existing.URL == b.URL && existing.Username == b.Username {
			bs.Bookmarks[i] = b
			return false
		}
	}
	bs.Bookmarks = append(bs.Bookmarks, b)
	return true
}

// Find returns the bookmark for url and username, or nil.
func (bs *BookmarkStore) Find(url, username string) *Bookmark {
	for i := range bs.Bookmarks {
		if bs.Bookmarks[i].URL == url && bs.Bookmarks[i].Username == username {
			b := bs.Bookmarks[i]
			return &b
		}
	}
	return nil
}

// Forget removes the token saved for url and username.
func (bs *BookmarkStore) Forget(url, username string) bool {
	for i := range bs.Bookmarks {
		if bs.Bookmarks[i].URL == url && bs.Bookmarks[i].Username == username {
			bs.Bookmarks[i].Token = ""
			return true
		}
	}
	return false
}
