// Package protocol implements the GoKarma binary wire codec.
//
// A frame is a CBOR array [kind, variant, body]. Bodies are CBOR maps keyed
// by small integers. The login method and the success/error outcome of a
// response are nested unions with the same [tag, body] array shape.
package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	pb "github.com/NicolasHaas/gokarma/pkg/protocol/pb"
)

// MaxMessageSize is the largest frame the server accepts (64KB).
const MaxMessageSize = 64 * 1024

// Tag identifies a message type on the wire.
type Tag = pb.Tag

// Nested union tags.
const (
	methodCredentials uint64 = 1
	methodToken       uint64 = 2

	outcomeSuccess uint64 = 1
	outcomeError   uint64 = 2
)

var (
	// ErrMalformed is wrapped by every DecodeError.
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrInvalidMessage is returned by Encode for messages that cannot be
	// represented on the wire.
	ErrInvalidMessage = errors.New("protocol: invalid message")
)

// DecodeError describes bytes that could not be decoded. Tag is set when the
// envelope was readable and zero otherwise.
type DecodeError struct {
	Tag Tag
	Err error
}

func (e *DecodeError) Error() string {
	if e.Tag.Kind == 0 {
		return fmt.Sprintf("protocol: decode: %v", e.Err)
	}
	return fmt.Sprintf("protocol: decode %s: %v", e.Tag, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrMalformed, e.Err}
}

// Attributed reports whether the failing bytes named a known request variant.
func (e *DecodeError) Attributed() bool {
	return e.Tag.Kind == pb.KindRequest && e.Tag.Known()
}

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	// Core Deterministic Encoding: equal messages produce identical bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxNestedLevels:  16,
		MaxArrayElements: MaxMessageSize,
		MaxMapPairs:      MaxMessageSize,
		UTF8:             cbor.UTF8RejectInvalid,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

type envelope struct {
	_       struct{} `cbor:",toarray"`
	Kind    uint64
	Variant uint64
	Body    cbor.RawMessage
}

// union is a nested [tag, body] pair.
type union struct {
	_    struct{} `cbor:",toarray"`
	Tag  uint64
	Body cbor.RawMessage
}

// Encode serializes msg into a frame.
func Encode(msg pb.Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	body, err := encodeBody(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", pb.TagOf(msg), err)
	}
	data, err := encMode.Marshal(envelope{
		Kind:    uint64(msg.Kind()),
		Variant: uint64(msg.Variant()),
		Body:    body,
	})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", pb.TagOf(msg), err)
	}
	return data, nil
}

// MustEncode is Encode for messages known to be valid. It panics on error.
func MustEncode(msg pb.Message) []byte {
	data, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return data
}

func encodeBody(msg pb.Message) (cbor.RawMessage, error) {
	switch m := msg.(type) {
	case *pb.LoginCredentials:
		return encodeUnion(methodCredentials, m)
	case *pb.LoginToken:
		return encodeUnion(methodToken, m)
	case *pb.LoginResponse:
		return encodeOutcome(m.Success, m.Error)
	case *pb.RegistrationResponse:
		return encodeOutcome(m.Success, m.Error)
	case *pb.LogoutResponse:
		return encodeOutcome(m.Success, m.Error)
	case *pb.FetchPostsResponse:
		return encodeOutcome(m.Success, m.Error)
	case *pb.CreatePostResponse:
		return encodeOutcome(m.Success, m.Error)
	case *pb.UserVoteResponse:
		return encodeOutcome(m.Success, m.Error)
	case *pb.RegistrationRequest, *pb.LogoutRequest, *pb.FetchPostsRequest,
		*pb.CreatePostRequest, *pb.UserVoteRequest, *pb.ProtocolErrorResponse,
		*pb.NewPostUpdate, *pb.InvalidUpdate, *pb.UsersUpdate:
		return encMode.Marshal(m)
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidMessage, msg)
	}
}

func encodeUnion(tag uint64, body any) (cbor.RawMessage, error) {
	raw, err := encMode.Marshal(body)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(union{Tag: tag, Body: raw})
}

func encodeOutcome[T any](success *T, failure *pb.Failure) (cbor.RawMessage, error) {
	switch {
	case success != nil && failure == nil:
		return encodeUnion(outcomeSuccess, success)
	case success == nil && failure != nil:
		return encodeUnion(outcomeError, failure)
	default:
		return nil, fmt.Errorf("%w: response must carry exactly one of success or error", ErrInvalidMessage)
	}
}

// Classify reads only the envelope of a frame and reports its tag. The tag
// may name a variant unknown to this build.
func Classify(data []byte) (Tag, error) {
	env, err := readEnvelope(data)
	if err != nil {
		return Tag{}, &DecodeError{Err: err}
	}
	return env.tag(), nil
}

// Decode parses a frame. It never panics: malformed input yields a
// *DecodeError and a well-formed frame with an unknown kind or variant
// yields *pb.Unrecognized with a nil error.
func Decode(data []byte) (pb.Message, error) {
	env, err := readEnvelope(data)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	tag := env.tag()
	msg, err := decodeBody(tag, env.Body)
	if err != nil {
		return nil, &DecodeError{Tag: tag, Err: err}
	}
	return msg, nil
}

func readEnvelope(data []byte) (envelope, error) {
	var env envelope
	if len(data) == 0 {
		return env, errors.New("empty frame")
	}
	if err := decMode.Unmarshal(data, &env); err != nil {
		return env, err
	}
	if env.Kind == 0 {
		return env, errors.New("zero kind")
	}
	return env, nil
}

func (e envelope) tag() Tag {
	return Tag{Kind: pb.Kind(e.Kind), Variant: pb.Variant(e.Variant)}
}

func decodeBody(tag Tag, body cbor.RawMessage) (pb.Message, error) {
	switch tag.Kind {
	case pb.KindRequest:
		return decodeRequest(tag, body)
	case pb.KindResponse:
		return decodeResponse(tag, body)
	case pb.KindUpdate:
		return decodeUpdate(tag, body)
	default:
		return &pb.Unrecognized{Tag: tag}, nil
	}
}

func decodeRequest(tag Tag, body cbor.RawMessage) (pb.Message, error) {
	switch tag.Variant {
	case pb.VariantLogin:
		u, err := readUnion(body)
		if err != nil {
			return nil, err
		}
		switch u.Tag {
		case methodCredentials:
			return decodeInto[pb.LoginCredentials](u.Body)
		case methodToken:
			return decodeInto[pb.LoginToken](u.Body)
		default:
			return nil, fmt.Errorf("unknown login method %d", u.Tag)
		}
	case pb.VariantRegistration:
		return decodeInto[pb.RegistrationRequest](body)
	case pb.VariantLogout:
		return decodeInto[pb.LogoutRequest](body)
	case pb.VariantFetchPosts:
		return decodeInto[pb.FetchPostsRequest](body)
	case pb.VariantCreatePost:
		return decodeInto[pb.CreatePostRequest](body)
	case pb.VariantUserVote:
		return decodeInto[pb.UserVoteRequest](body)
	default:
		return &pb.Unrecognized{Tag: tag}, nil
	}
}

func decodeResponse(tag Tag, body cbor.RawMessage) (pb.Message, error) {
	switch tag.Variant {
	case pb.VariantLogin:
		s, f, err := decodeOutcome[pb.AuthSuccess](body)
		if err != nil {
			return nil, err
		}
		return &pb.LoginResponse{Success: s, Error: f}, nil
	case pb.VariantRegistration:
		s, f, err := decodeOutcome[pb.AuthSuccess](body)
		if err != nil {
			return nil, err
		}
		return &pb.RegistrationResponse{Success: s, Error: f}, nil
	case pb.VariantLogout:
		s, f, err := decodeOutcome[pb.LogoutSuccess](body)
		if err != nil {
			return nil, err
		}
		return &pb.LogoutResponse{Success: s, Error: f}, nil
	case pb.VariantFetchPosts:
		s, f, err := decodeOutcome[pb.FetchPostsSuccess](body)
		if err != nil {
			return nil, err
		}
		return &pb.FetchPostsResponse{Success: s, Error: f}, nil
	case pb.VariantCreatePost:
		s, f, err := decodeOutcome[pb.CreatePostSuccess](body)
		if err != nil {
			return nil, err
		}
		return &pb.CreatePostResponse{Success: s, Error: f}, nil
	case pb.VariantUserVote:
		s, f, err := decodeOutcome[pb.UserVoteSuccess](body)
		if err != nil {
			return nil, err
		}
		return &pb.UserVoteResponse{Success: s, Error: f}, nil
	case pb.VariantProtocolError:
		return decodeInto[pb.ProtocolErrorResponse](body)
	default:
		return &pb.Unrecognized{Tag: tag}, nil
	}
}

func decodeUpdate(tag Tag, body cbor.RawMessage) (pb.Message, error) {
	switch tag.Variant {
	case pb.VariantNewPost:
		return decodeInto[pb.NewPostUpdate](body)
	case pb.VariantInvalid:
		return decodeInto[pb.InvalidUpdate](body)
	case pb.VariantUsers:
		return decodeInto[pb.UsersUpdate](body)
	default:
		return &pb.Unrecognized{Tag: tag}, nil
	}
}

func readUnion(body cbor.RawMessage) (union, error) {
	var u union
	if isNull(body) {
		return u, errors.New("missing body")
	}
	err := decMode.Unmarshal(body, &u)
	return u, err
}

func decodeOutcome[T any](body cbor.RawMessage) (*T, *pb.Failure, error) {
	u, err := readUnion(body)
	if err != nil {
		return nil, nil, err
	}
	switch u.Tag {
	case outcomeSuccess:
		s, err := decodeInto[T](u.Body)
		return s, nil, err
	case outcomeError:
		f, err := decodeInto[pb.Failure](u.Body)
		return nil, f, err
	default:
		return nil, nil, fmt.Errorf("unknown outcome %d", u.Tag)
	}
}

// decodeInto decodes a map body. A null or undefined body is rejected since
// the decoder would otherwise accept it as a zero value.
func decodeInto[T any](body cbor.RawMessage) (*T, error) {
	if isNull(body) {
		return nil, errors.New("missing body")
	}
	v := new(T)
	if err := decMode.Unmarshal(body, v); err != nil {
		return nil, err
	}
	return v, nil
}

func isNull(raw cbor.RawMessage) bool {
	return len(raw) == 0 || (len(raw) == 1 && (raw[0] == 0xf6 || raw[0] == 0xf7))
}
