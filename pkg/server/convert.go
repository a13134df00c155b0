package server

import (
	"github.com/NicolasHaas/gokarma/pkg/model"
	pb "github.com/NicolasHaas/gokarma/pkg/protocol/pb"
)

func userToPB(u *model.User) pb.User {
	return pb.User{ID: u.ID, Username: u.Username, Karma: u.Karma, Streak: u.Streak}
}

func usersToPB(users []model.User) []pb.User {
	out := make([]pb.User, 0, len(users))
	for i := range users {
		out = append(out, userToPB(&users[i]))
	}
	return out
}

func postToPB(p *model.Post, vote model.Direction) pb.Post {
	return pb.Post{
		ID:       p.ID,
		Content:  p.Content,
		Valid:    p.Valid,
		Vote:     directionToPB(vote),
		AuthorID: p.AuthorID,
	}
}

func directionToPB(d model.Direction) pb.Vote {
	switch d {
	case model.DirectionUp:
		return pb.VoteUp
	case model.DirectionDown:
		return pb.VoteDown
	default:
		return pb.VoteNone
	}
}

// directionFromPB maps a wire vote to a direction. VoteNone and unknown
// values map to DirectionNone.
func directionFromPB(v pb.Vote) model.Direction {
	switch v {
	case pb.VoteUp:
		return model.DirectionUp
	case pb.VoteDown:
		return model.DirectionDown
	default:
		return model.DirectionNone
	}
}
