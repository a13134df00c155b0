package model

import "errors"

var ErrInvalidDirection = errors.New("vote must be up or down")

// Direction is the side a vote was cast on. Stored as up_or_down in the database.
type Direction int8

const (
	DirectionNone Direction = 0
	DirectionUp   Direction = 1
	DirectionDown Direction = -1
)

func (d Direction) String() string {
	switch d {
	case DirectionUp:
		return "up"
	case DirectionDown:
		return "down"
	default:
		return "none"
	}
}

// Valid reports whether d is a castable direction (up or down).
func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown
}

// ParseDirection converts "up"/"down" to a Direction.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "up", "+":
		return DirectionUp, nil
	case "down", "-":
		return DirectionDown, nil
	default:
		return DirectionNone, ErrInvalidDirection
	}
}

// Vote is one user's vote on one post. At most one per (PostID, VoterID);
// a later vote replaces the earlier one.
type Vote struct {
	PostID    int64     `json:"post_id"`
	VoterID   int64     `json:"voter_id"`
	Direction Direction `json:"direction"`
}

func (v *Vote) Validate() error {
	if !v.Direction.Valid() {
		return ErrInvalidDirection
	}
	return nil
}
