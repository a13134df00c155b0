package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const MaxPostLength = 2000

var ErrPostContentTooLong = fmt.Errorf("post content exceeds %d characters", MaxPostLength)
var ErrPostContentEmpty = errors.New("post content cannot be empty")

// Post is a piece of user content. Valid starts true and is flipped to false
// exactly once, by settlement, after which the post is closed for voting.
type Post struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	Valid     bool      `json:"valid"`
	CreatedAt time.Time `json:"created_at"`
	AuthorID  int64     `json:"author_id"`
}

func (p *Post) Validate() error {
	if strings.TrimSpace(p.Content) == "" {
		return ErrPostContentEmpty
	} else if utf8.RuneCountInString(p.Content) > MaxPostLength {
		return ErrPostContentTooLong
	}

	return nil
}

// PostView is a post as seen by one viewer, together with that viewer's vote.
type PostView struct {
	Post
	Vote Direction `json:"vote"`
}

// SanitizeContent strips control characters from user-supplied text.
// Newlines collapse to spaces.
func SanitizeContent(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}
