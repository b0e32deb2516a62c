package raft

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code classifies a failure. Failures travel as a Code plus a message and are never raised as panics.
type Code int

const (
	CodeOK Code = iota
	// CodeCanceled is a stale or cancelled operation
	CodeCanceled
	CodeTimeout
	// CodeBusy is a concurrent configuration change or leadership transfer
	CodeBusy
	// CodePermission is the wrong role for the request, e.g. not the leader
	CodePermission
	CodeHigherTerm
	CodeLeaderConflict
	CodeCatchUp
	CodeIO
	CodeInvalid
	// CodeNotActive is a node in the Error or Shutdown role
	CodeNotActive
	CodeLeaderRemoved
	CodeNoLeader
	CodeInternal
)

var codeNames = map[Code]string{
	CodeOK:             "OK",
	CodeCanceled:       "CANCELED",
	CodeTimeout:        "TIMEOUT",
	CodeBusy:           "BUSY",
	CodePermission:     "PERMISSION",
	CodeHigherTerm:     "HIGHER_TERM",
	CodeLeaderConflict: "LEADER_CONFLICT",
	CodeCatchUp:        "CATCH_UP",
	CodeIO:             "IO",
	CodeInvalid:        "INVALID",
	CodeNotActive:      "NOT_ACTIVE",
	CodeLeaderRemoved:  "LEADER_REMOVED",
	CodeNoLeader:       "NO_LEADER",
	CodeInternal:       "INTERNAL",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Status is the error type of the raft packages.
type Status struct {
	Code Code
	Msg  string
}

// NewStatus builds a Status with a formatted message.
func NewStatus(code Code, format string, args ...any) *Status {
	return &Status{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func (s *Status) Error() string {
	return fmt.Sprintf("%s: %s", s.Code, s.Msg)
}

// Is matches any Status with the same code, so errors.Is(err, ErrBusy) holds for every busy failure.
func (s *Status) Is(target error) bool {
	var t *Status
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == s.Code
}

// CodeOf extracts the Code of err: CodeOK for nil, the wrapped Status code when there is one, and a best
// effort classification of context and gRPC errors otherwise.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var st *Status
	if errors.As(err, &st) {
		return st.Code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	}
	if gs, ok := status.FromError(err); ok {
		return codeFromGRPC(gs.Code())
	}
	return CodeInternal
}

// Raft errors.
var (
	// ErrNotLeader is returned when a leader-only operation reaches a non-leader.
	ErrNotLeader = NewStatus(CodePermission, "raft: not the leader")

	// ErrLeaderStepDown is the default status of work cancelled because the leader stepped down.
	ErrLeaderStepDown = NewStatus(CodePermission, "raft: leader stepped down")

	// ErrNoLeader is returned when a follower does not know the current leader.
	ErrNoLeader = NewStatus(CodeNoLeader, "raft: no leader")

	// ErrBusy is returned when a configuration change is already in progress.
	ErrBusy = NewStatus(CodeBusy, "raft: configuration change in progress")

	// ErrTransferring is returned for new work while leadership is being transferred.
	ErrTransferring = NewStatus(CodeBusy, "raft: leadership transfer in progress")

	// ErrNodeNotActive is returned by a node in the Error or Shutdown role.
	ErrNodeNotActive = NewStatus(CodeNotActive, "raft: invalid state, node is not active")

	// ErrNodeShutdown is the status of work drained by a shutdown.
	ErrNodeShutdown = NewStatus(CodeNotActive, "raft: node is shutting down")

	// ErrStale is returned for responses or callbacks belonging to a superseded round.
	ErrStale = NewStatus(CodeCanceled, "raft: stale operation")

	// ErrCanceled is returned for cancelled operations.
	ErrCanceled = NewStatus(CodeCanceled, "raft: operation canceled")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = NewStatus(CodeTimeout, "raft: operation timeout")

	// ErrCatchUp is returned when a new peer could not be brought up to date.
	ErrCatchUp = NewStatus(CodeCatchUp, "raft: peer failed to catch up")

	// ErrLeaderRemoved is returned when the leader removed itself from the configuration.
	ErrLeaderRemoved = NewStatus(CodeLeaderRemoved, "raft: leader removed from configuration")

	// ErrLeaderConflict is the status of a step-down caused by two leaders in one term.
	ErrLeaderConflict = NewStatus(CodeLeaderConflict, "raft: another peer declares itself leader")

	// ErrHigherTerm is the status of a step-down caused by a higher term.
	ErrHigherTerm = NewStatus(CodeHigherTerm, "raft: observed a higher term")

	// ErrInvalidConfig is returned when options fail validation.
	ErrInvalidConfig = NewStatus(CodeInvalid, "raft: invalid configuration")

	// ErrLeaderNotReady is returned for reads on a leader that has not yet committed an entry of its own term.
	ErrLeaderNotReady = NewStatus(CodeBusy, "raft: leader has not committed an entry in its term")

	// ErrLogIndexOutOfRange is returned when accessing an index outside the log.
	ErrLogIndexOutOfRange = NewStatus(CodeInvalid, "raft: log index out of range")
)

// One distinct gRPC code per raft code so a Status survives a round trip over the wire.
var grpcCodes = map[Code]codes.Code{
	CodeOK:             codes.OK,
	CodeCanceled:       codes.Canceled,
	CodeTimeout:        codes.DeadlineExceeded,
	CodeBusy:           codes.ResourceExhausted,
	CodePermission:     codes.PermissionDenied,
	CodeHigherTerm:     codes.Aborted,
	CodeLeaderConflict: codes.AlreadyExists,
	CodeCatchUp:        codes.FailedPrecondition,
	CodeIO:             codes.DataLoss,
	CodeInvalid:        codes.InvalidArgument,
	CodeNotActive:      codes.Unavailable,
	CodeLeaderRemoved:  codes.OutOfRange,
	CodeNoLeader:       codes.NotFound,
	CodeInternal:       codes.Internal,
}

func codeFromGRPC(c codes.Code) Code {
	for rc, gc := range grpcCodes {
		if gc == c {
			return rc
		}
	}
	return CodeInternal
}

// statusDomain tags the ErrorInfo detail ToGRPC attaches, telling a raft status apart from a transport failure.
const statusDomain = "raftd"

// ToGRPC converts err into a gRPC status error for a service handler to return.
func ToGRPC(err error) error {
	if err == nil {
		return nil
	}
	var st *Status
	if !errors.As(err, &st) {
		if _, ok := status.FromError(err); ok {
			return err
		}
	}
	code := CodeOf(err)
	gs := status.New(grpcCodes[code], err.Error())
	if detailed, derr := gs.WithDetails(&errdetails.ErrorInfo{Domain: statusDomain, Reason: code.String()}); derr == nil {
		gs = detailed
	}
	return gs.Err()
}

func fromRaft(gs *status.Status) bool {
	for _, d := range gs.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok && info.Domain == statusDomain {
			return true
		}
	}
	return false
}

// IsTransportError reports whether err is a gRPC failure no raft node decided, such as a refused connection
// or an expired deadline.
func IsTransportError(err error) bool {
	gs, ok := status.FromError(err)
	return ok && gs.Code() != codes.OK && !fromRaft(gs)
}

func transportCode(c codes.Code) Code {
	switch c {
	case codes.Canceled:
		return CodeCanceled
	case codes.DeadlineExceeded:
		return CodeTimeout
	case codes.Unavailable:
		return CodeIO
	}
	return codeFromGRPC(c)
}

// FromGRPC converts a gRPC client error back into a Status. Failures raised by the transport rather than a
// raft node are classified by transportCode, so an unreachable peer reads as CodeIO, not as an inactive node.
func FromGRPC(err error) error {
	if err == nil {
		return nil
	}
	gs, ok := status.FromError(err)
	if !ok {
		return err
	}
	if !fromRaft(gs) {
		return &Status{Code: transportCode(gs.Code()), Msg: gs.Message()}
	}
	return &Status{Code: codeFromGRPC(gs.Code()), Msg: gs.Message()}
}
