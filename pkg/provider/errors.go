package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrProvider matches every *ProviderError with errors.Is.
	ErrProvider = errors.New("provider error")
	// ErrNetwork matches every *NetworkError with errors.Is.
	ErrNetwork = errors.New("network error")
	// ErrUnsupportedOperation is returned when a capability is intentionally not available.
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// Well-known wallet error codes (EIP-1193, EIP-3326, EIP-5792) and JSON-RPC codes.
const (
	CodeUserRejectedRequest  = 4001
	CodeUnauthorized         = 4100
	CodeUnsupportedMethod    = 4200
	CodeDisconnected         = 4900
	CodeChainDisconnected    = 4901
	CodeUnrecognizedChain    = 4902
	CodeUnknownBundleID      = 5730
	CodeAtomicityUnsupported = 5760
	CodeInvalidParams        = -32602
	CodeInternalError        = -32603
	CodeMethodNotFound       = -32601
)

// ProviderError is a JSON-RPC error object returned by a wallet, bundler or paymaster.
type ProviderError struct {
	Method  string
	Code    int
	Message string
	Data    interface{}
}

func (e *ProviderError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s failed with provider error %d: %s", e.Method, e.Code, e.Message)
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrProvider
}

// ErrorCode and ErrorData let a ProviderError travel through a go-ethereum rpc.Server unchanged.
func (e *ProviderError) ErrorCode() int {
	return e.Code
}

func (e *ProviderError) ErrorData() interface{} {
	return e.Data
}

// NewProviderError builds a ProviderError that is not tied to a specific method.
func NewProviderError(code int, format string, args ...interface{}) *ProviderError {
	return &ProviderError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NetworkError is returned when an endpoint could not be reached or answered with a non-2xx status.
type NetworkError struct {
	Method     string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: endpoint returned HTTP %d: %v", e.Method, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: endpoint unreachable: %v", e.Method, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}

// IsUserRejection reports whether err is a wallet rejecting the request on behalf of the user.
func IsUserRejection(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Code == CodeUserRejectedRequest
}

// ClassifyError maps an error returned by an rpc.Client call into the error taxonomy.
// Context cancellation is passed through so callers can still match context.Canceled.
func ClassifyError(method string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", method, err)
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return &NetworkError{Method: method, StatusCode: httpErr.StatusCode, Err: err}
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Method == "" {
			pe = &ProviderError{Method: method, Code: pe.Code, Message: pe.Message, Data: pe.Data}
		}
		return pe
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		out := &ProviderError{Method: method, Code: rpcErr.ErrorCode(), Message: rpcErr.Error()}
		var dataErr rpc.DataError
		if errors.As(err, &dataErr) {
			out.Data = dataErr.ErrorData()
		}
		return out
	}

	return &NetworkError{Method: method, Err: err}
}
