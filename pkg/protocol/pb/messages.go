// Package pb defines the GoKarma wire messages.
//
// Every message is one variant of one of three kinds (request, response,
// update). Field numbers in the cbor tags are part of the wire format and
// must never be reused.
package pb

import "fmt"

// Kind is the outermost tag of every frame.
type Kind uint64

const (
	KindRequest  Kind = 1
	KindResponse Kind = 2
	KindUpdate   Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindUpdate:
		return "update"
	default:
		return fmt.Sprintf("kind(%d)", uint64(k))
	}
}

// Variant selects the message within a kind. Request and response variants
// share numbering.
type Variant uint64

const (
	VariantLogin         Variant = 1
	VariantRegistration  Variant = 2
	VariantLogout        Variant = 3
	VariantFetchPosts    Variant = 4
	VariantCreatePost    Variant = 5
	VariantUserVote      Variant = 6
	VariantProtocolError Variant = 7 // responses only
)

const (
	VariantNewPost Variant = 1
	VariantInvalid Variant = 2
	VariantUsers   Variant = 3
)

var requestNames = map[Variant]string{
	VariantLogin:         "login",
	VariantRegistration:  "registration",
	VariantLogout:        "logout",
	VariantFetchPosts:    "fetch_posts",
	VariantCreatePost:    "create_post",
	VariantUserVote:      "user_vote",
	VariantProtocolError: "protocol_error",
}

var updateNames = map[Variant]string{
	VariantNewPost: "new_post",
	VariantInvalid: "invalid",
	VariantUsers:   "users",
}

// Tag identifies a message type on the wire.
type Tag struct {
	Kind    Kind
	Variant Variant
}

// Known reports whether the tag names a message this package defines.
func (t Tag) Known() bool {
	switch t.Kind {
	case KindRequest:
		return t.Variant >= VariantLogin && t.Variant <= VariantUserVote
	case KindResponse:
		return t.Variant >= VariantLogin && t.Variant <= VariantProtocolError
	case KindUpdate:
		return t.Variant >= VariantNewPost && t.Variant <= VariantUsers
	default:
		return false
	}
}

// Name returns a short label for metrics and logs, e.g. "create_post".
func (t Tag) Name() string {
	if t.Known() {
		if t.Kind == KindUpdate {
			return updateNames[t.Variant]
		}
		return requestNames[t.Variant]
	}
	return fmt.Sprintf("variant(%d)", uint64(t.Variant))
}

func (t Tag) String() string {
	return t.Kind.String() + "/" + t.Name()
}

// Message is implemented by every wire message.
type Message interface {
	Kind() Kind
	Variant() Variant
}

// TagOf returns the tag of msg.
func TagOf(msg Message) Tag {
	return Tag{Kind: msg.Kind(), Variant: msg.Variant()}
}

// Vote is the wire form of a vote direction.
type Vote uint8

const (
	VoteNone Vote = 0
	VoteUp   Vote = 1
	VoteDown Vote = 2
)

// ----- Shared -----

type Post struct {
	ID       int64  `cbor:"1,keyasint,omitempty"`
	Content  string `cbor:"2,keyasint,omitempty"`
	Valid    bool   `cbor:"3,keyasint,omitempty"`
	Vote     Vote   `cbor:"4,keyasint,omitempty"` // the receiving user's own vote
	AuthorID int64  `cbor:"5,keyasint,omitempty"`
}

type User struct {
	ID       int64  `cbor:"1,keyasint,omitempty"`
	Username string `cbor:"2,keyasint,omitempty"`
	Karma    int64  `cbor:"3,keyasint,omitempty"`
	Streak   int64  `cbor:"4,keyasint,omitempty"`
}

// Failure is the error outcome of any response.
type Failure struct {
	Description string `cbor:"1,keyasint,omitempty"`
}

// ----- Requests -----

// LoginCredentials and LoginToken are the two methods of the login request.
type LoginCredentials struct {
	Username string `cbor:"1,keyasint,omitempty"`
	Password string `cbor:"2,keyasint,omitempty"`
}

type LoginToken struct {
	Token string `cbor:"1,keyasint,omitempty"`
}

type RegistrationRequest struct {
	Username string `cbor:"1,keyasint,omitempty"`
	Password string `cbor:"2,keyasint,omitempty"`
}

type LogoutRequest struct {
	Token string `cbor:"1,keyasint,omitempty"`
}

type FetchPostsRequest struct {
	Token string `cbor:"1,keyasint,omitempty"`
}

type CreatePostRequest struct {
	Token   string `cbor:"1,keyasint,omitempty"`
	Content string `cbor:"2,keyasint,omitempty"`
}

type UserVoteRequest struct {
	Token  string `cbor:"1,keyasint,omitempty"`
	PostID int64  `cbor:"2,keyasint,omitempty"`
	Vote   Vote   `cbor:"3,keyasint,omitempty"`
}

// ----- Responses -----
// Exactly one of Success or Error is set on every response.

type AuthSuccess struct {
	Token string `cbor:"1,keyasint,omitempty"`
	User  User   `cbor:"2,keyasint"`
}

type LoginResponse struct {
	Success *AuthSuccess `cbor:"-"`
	Error   *Failure     `cbor:"-"`
}

type RegistrationResponse struct {
	Success *AuthSuccess `cbor:"-"`
	Error   *Failure     `cbor:"-"`
}

type LogoutSuccess struct{}

type LogoutResponse struct {
	Success *LogoutSuccess `cbor:"-"`
	Error   *Failure       `cbor:"-"`
}

type FetchPostsSuccess struct {
	Token string `cbor:"1,keyasint,omitempty"`
	Posts []Post `cbor:"2,keyasint"`
}

type FetchPostsResponse struct {
	Success *FetchPostsSuccess `cbor:"-"`
	Error   *Failure           `cbor:"-"`
}

type CreatePostSuccess struct {
	Token string `cbor:"1,keyasint,omitempty"`
	Post  Post   `cbor:"2,keyasint"`
}

type CreatePostResponse struct {
	Success *CreatePostSuccess `cbor:"-"`
	Error   *Failure           `cbor:"-"`
}

type UserVoteSuccess struct {
	Token string `cbor:"1,keyasint,omitempty"`
}

type UserVoteResponse struct {
	Success *UserVoteSuccess `cbor:"-"`
	Error   *Failure         `cbor:"-"`
}

// ProtocolErrorResponse answers request bytes that could not be attributed
// to any request variant.
type ProtocolErrorResponse struct {
	Description string `cbor:"1,keyasint,omitempty"`
}

// ----- Updates -----

type NewPostUpdate struct {
	Post Post `cbor:"1,keyasint"`
}

// InvalidUpdate lists posts closed by the last settlement cycle.
type InvalidUpdate struct {
	PostIDs []int64 `cbor:"1,keyasint"`
}

// UsersUpdate carries the post-settlement karma and streak of affected users.
type UsersUpdate struct {
	Users []User `cbor:"1,keyasint"`
}

// Unrecognized is the decode result for a well-formed frame whose kind or
// variant is not known to this build.
type Unrecognized struct {
	Tag Tag
}

func (m *LoginCredentials) Kind() Kind      { return KindRequest }
func (m *LoginToken) Kind() Kind            { return KindRequest }
func (m *RegistrationRequest) Kind() Kind   { return KindRequest }
func (m *LogoutRequest) Kind() Kind         { return KindRequest }
func (m *FetchPostsRequest) Kind() Kind     { return KindRequest }
func (m *CreatePostRequest) Kind() Kind     { return KindRequest }
func (m *UserVoteRequest) Kind() Kind       { return KindRequest }
func (m *LoginResponse) Kind() Kind         { return KindResponse }
func (m *RegistrationResponse) Kind() Kind  { return KindResponse }
func (m *LogoutResponse) Kind() Kind        { return KindResponse }
func (m *FetchPostsResponse) Kind() Kind    { return KindResponse }
func (m *CreatePostResponse) Kind() Kind    { return KindResponse }
func (m *UserVoteResponse) Kind() Kind      { return KindResponse }
func (m *ProtocolErrorResponse) Kind() Kind { return KindResponse }
func (m *NewPostUpdate) Kind() Kind         { return KindUpdate }
func (m *InvalidUpdate) Kind() Kind         { return KindUpdate }
func (m *UsersUpdate) Kind() Kind           { return KindUpdate }
func (m *Unrecognized) Kind() Kind          { return m.Tag.Kind }

func (m *LoginCredentials) Variant() Variant      { return VariantLogin }
func (m *LoginToken) Variant() Variant            { return VariantLogin }
func (m *RegistrationRequest) Variant() Variant   { return VariantRegistration }
func (m *LogoutRequest) Variant() Variant         { return VariantLogout }
func (m *FetchPostsRequest) Variant() Variant     { return VariantFetchPosts }
func (m *CreatePostRequest) Variant() Variant     { return VariantCreatePost }
func (m *UserVoteRequest) Variant() Variant       { return VariantUserVote }
func (m *LoginResponse) Variant() Variant         { return VariantLogin }
func (m *RegistrationResponse) Variant() Variant  { return VariantRegistration }
func (m *LogoutResponse) Variant() Variant        { return VariantLogout }
func (m *FetchPostsResponse) Variant() Variant    { return VariantFetchPosts }
func (m *CreatePostResponse) Variant() Variant    { return VariantCreatePost }
func (m *UserVoteResponse) Variant() Variant      { return VariantUserVote }
func (m *ProtocolErrorResponse) Variant() Variant { return VariantProtocolError }
func (m *NewPostUpdate) Variant() Variant         { return VariantNewPost }
func (m *InvalidUpdate) Variant() Variant         { return VariantInvalid }
func (m *UsersUpdate) Variant() Variant           { return VariantUsers }
func (m *Unrecognized) Variant() Variant          { return m.Tag.Variant }

// ErrorResponse builds the error outcome of the response matching a request
// tag. It returns a ProtocolErrorResponse when tag is not a known request.
func ErrorResponse(tag Tag, description string) Message {
	f := &Failure{Description: description}
	if tag.Kind != KindRequest {
		return &ProtocolErrorResponse{Description: description}
	}
	switch tag.Variant {
	case VariantLogin:
		return &LoginResponse{Error: f}
	case VariantRegistration:
		return &RegistrationResponse{Error: f}
	case VariantLogout:
		return &LogoutResponse{Error: f}
	case VariantFetchPosts:
		return &FetchPostsResponse{Error: f}
	case VariantCreatePost:
		return &CreatePostResponse{Error: f}
	case VariantUserVote:
		return &UserVoteResponse{Error: f}
	default:
		return &ProtocolErrorResponse{Description: description}
	}
}
