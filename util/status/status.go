// Package status creates and classifies errors by gRPC status code.
// The backend launcher speaks gRPC under the hood, so its failure modes
// map naturally onto these codes even though this tool never opens a
// connection itself.
package status

import (
	stderrors "errors"
	"flag"
	"fmt"
	"runtime"

	"github.com/pkg/errors"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/protoadapt"
)

var LogErrorStackTraces = flag.Bool("log_error_stack_traces", false, "If true, stack traces will be printed for errors that have them.")

const stackDepth = 10

type wrappedError struct {
	error
	*stack
}

func (w *wrappedError) GRPCStatus() *status.Status {
	if se, ok := w.error.(interface {
		GRPCStatus() *status.Status
	}); ok {
		return se.GRPCStatus()
	}
	return status.New(codes.Unknown, "")
}

func (w *wrappedError) Unwrap() error {
	return w.error
}

type StackTrace = errors.StackTrace
type stack []uintptr

func (s *stack) StackTrace() StackTrace {
	f := make([]errors.Frame, len(*s))
	for i := 0; i < len(f); i++ {
		f[i] = errors.Frame((*s)[i])
	}
	return f
}

func callers() *stack {
	var pcs [stackDepth]uintptr
	n := runtime.Callers(3, pcs[:])
	var st stack = pcs[0:n]
	return &st
}

// statusError wraps an error with a gRPC status code while preserving
// the underlying error for errors.Is() checks.
type statusError struct {
	code    codes.Code
	err     error
	details []protoadapt.MessageV1
}

func (e *statusError) Error() string {
	return e.GRPCStatus().String()
}

func (e *statusError) Unwrap() error {
	return e.err
}

func (e *statusError) GRPCStatus() *status.Status {
	s := status.New(e.code, e.err.Error())
	if len(e.details) > 0 {
		var err error
		s, err = s.WithDetails(e.details...)
		if err != nil {
			return status.New(codes.Internal, fmt.Sprintf("add error details to error: %s", err))
		}
	}
	return s
}

// WrapWithCode attaches a gRPC status code to an error while keeping
// the original error reachable through errors.Is().
func WrapWithCode(err error, code codes.Code) error {
	return &statusError{
		code: code,
		err:  err,
	}
}

func makeStatusErrorFromMessage(code codes.Code, msg string) error {
	return makeStatusError(code, stderrors.New(msg))
}

func makeStatusError(code codes.Code, err error, details ...protoadapt.MessageV1) error {
	statusErr := &statusError{
		code: code,
		err:  err,
	}
	if len(details) > 0 {
		statusErr.details = details
	}
	if !*LogErrorStackTraces {
		return statusErr
	}
	return &wrappedError{
		statusErr,
		callers(),
	}
}

func CanceledError(msg string) error {
	return makeStatusErrorFromMessage(codes.Canceled, msg)
}
func IsCanceledError(err error) bool {
	return status.Code(err) == codes.Canceled
}
func CanceledErrorf(format string, a ...interface{}) error {
	return CanceledError(fmt.Sprintf(format, a...))
}
func UnknownError(msg string) error {
	return makeStatusErrorFromMessage(codes.Unknown, msg)
}
func IsUnknownError(err error) bool {
	return status.Code(err) == codes.Unknown
}
func UnknownErrorf(format string, a ...interface{}) error {
	return UnknownError(fmt.Sprintf(format, a...))
}
func InvalidArgumentError(msg string) error {
	return makeStatusErrorFromMessage(codes.InvalidArgument, msg)
}
func IsInvalidArgumentError(err error) bool {
	return status.Code(err) == codes.InvalidArgument
}
func InvalidArgumentErrorf(format string, a ...interface{}) error {
	return InvalidArgumentError(fmt.Sprintf(format, a...))
}
func DeadlineExceededError(msg string) error {
	return makeStatusErrorFromMessage(codes.DeadlineExceeded, msg)
}
func IsDeadlineExceededError(err error) bool {
	return status.Code(err) == codes.DeadlineExceeded
}
func DeadlineExceededErrorf(format string, a ...interface{}) error {
	return DeadlineExceededError(fmt.Sprintf(format, a...))
}
func NotFoundError(msg string) error {
	return makeStatusErrorFromMessage(codes.NotFound, msg)
}
func IsNotFoundError(err error) bool {
	return status.Code(err) == codes.NotFound
}
func NotFoundErrorf(format string, a ...interface{}) error {
	return NotFoundError(fmt.Sprintf(format, a...))
}
func AlreadyExistsError(msg string) error {
	return makeStatusErrorFromMessage(codes.AlreadyExists, msg)
}
func IsAlreadyExistsError(err error) bool {
	return status.Code(err) == codes.AlreadyExists
}
func AlreadyExistsErrorf(format string, a ...interface{}) error {
	return AlreadyExistsError(fmt.Sprintf(format, a...))
}
func PermissionDeniedError(msg string) error {
	return makeStatusErrorFromMessage(codes.PermissionDenied, msg)
}
func IsPermissionDeniedError(err error) bool {
	return status.Code(err) == codes.PermissionDenied
}
func PermissionDeniedErrorf(format string, a ...interface{}) error {
	return PermissionDeniedError(fmt.Sprintf(format, a...))
}
func FailedPreconditionError(msg string) error {
	return makeStatusErrorFromMessage(codes.FailedPrecondition, msg)
}
func IsFailedPreconditionError(err error) bool {
	return status.Code(err) == codes.FailedPrecondition
}
func FailedPreconditionErrorf(format string, a ...interface{}) error {
	return FailedPreconditionError(fmt.Sprintf(format, a...))
}
func AbortedError(msg string) error {
	return makeStatusErrorFromMessage(codes.Aborted, msg)
}
func IsAbortedError(err error) bool {
	return status.Code(err) == codes.Aborted
}
func AbortedErrorf(format string, a ...interface{}) error {
	return AbortedError(fmt.Sprintf(format, a...))
}
func UnimplementedError(msg string) error {
	return makeStatusErrorFromMessage(codes.Unimplemented, msg)
}
func IsUnimplementedError(err error) bool {
	return status.Code(err) == codes.Unimplemented
}
func UnimplementedErrorf(format string, a ...interface{}) error {
	return UnimplementedError(fmt.Sprintf(format, a...))
}
func InternalError(msg string) error {
	return makeStatusErrorFromMessage(codes.Internal, msg)
}
func IsInternalError(err error) bool {
	return status.Code(err) == codes.Internal
}
func InternalErrorf(format string, a ...interface{}) error {
	return InternalError(fmt.Sprintf(format, a...))
}
func UnavailableError(msg string) error {
	return makeStatusErrorFromMessage(codes.Unavailable, msg)
}
func IsUnavailableError(err error) bool {
	return status.Code(err) == codes.Unavailable
}
func UnavailableErrorf(format string, a ...interface{}) error {
	return UnavailableError(fmt.Sprintf(format, a...))
}
func DataLossError(msg string) error {
	return makeStatusErrorFromMessage(codes.DataLoss, msg)
}
func IsDataLossError(err error) bool {
	return status.Code(err) == codes.DataLoss
}
func DataLossErrorf(format string, a ...interface{}) error {
	return DataLossError(fmt.Sprintf(format, a...))
}

// WrapError prepends additional context to an error description,
// preserving the underlying status code.
func WrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		statusErr.err = fmt.Errorf("%s: %w", msg, statusErr.err)
		return statusErr
	}
	s, isStatusErr := status.FromError(err)
	var errWithContext error
	if isStatusErr {
		errWithContext = fmt.Errorf("%s: %s", msg, s.Message())
	} else {
		errWithContext = fmt.Errorf("%s: %w", msg, err)
	}
	return makeStatusError(status.Code(err), errWithContext)
}

// WrapErrorf is the "Printf" version of WrapError.
func WrapErrorf(err error, format string, a ...interface{}) error {
	return WrapError(err, fmt.Sprintf(format, a...))
}

// WithReason attaches a constant UPPER_SNAKE_CASE reason identifier to
// an error, for cases where the status code alone is too coarse.
func WithReason(err error, reason string) error {
	info := &errdetails.ErrorInfo{
		Reason: reason,
		Domain: "rewrap",
	}
	var statusErr *statusError
	if !errors.As(err, &statusErr) {
		statusErr = &statusError{
			code: status.Code(err),
			err:  err,
		}
	}
	statusErr.details = append(statusErr.details, info)
	return statusErr
}

// Reason returns the reason identifier attached with WithReason, or "".
func Reason(err error) string {
	s, ok := status.FromError(err)
	if !ok {
		return ""
	}
	for _, d := range s.Details() {
		if info, ok := d.(*errdetails.ErrorInfo); ok {
			return info.GetReason()
		}
	}
	return ""
}

// Message extracts the error message from an error, which for gRPC
// errors is just the "desc" part.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.err.Error()
	}
	if s, ok := status.FromError(err); ok {
		return s.Message()
	}
	return err.Error()
}
