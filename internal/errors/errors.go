package errors

import (
	stdErrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"
)

// Code 是跨模块统一的错误码，各业务包通过 Register 声明自己的错误码。
type Code string

// Severity 决定告警与审计日志的级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 是错误码的默认行为，单个错误可以通过 Option 覆盖。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
	// HTTPStatus 为 0 时按 500 处理。
	HTTPStatus int
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeRetriesExhausted      Code = "RETRIES_EXHAUSTED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeExecutorFailure       Code = "EXECUTOR_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo, HTTPStatus: http.StatusBadRequest},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo, HTTPStatus: http.StatusNotFound},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning, HTTPStatus: http.StatusConflict},
		CodeRetriesExhausted:      {Message: "retries exhausted", Severity: SeverityWarning, Alert: true},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true, HTTPStatus: http.StatusServiceUnavailable},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeExecutorFailure:       {Message: "executor failure", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true, HTTPStatus: http.StatusGatewayTimeout},
	}
)

// Register 声明或覆盖错误码的默认行为，通常在包的 init 中调用。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码的默认行为，未注册的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 携带错误码、原因与附加信息。默认行为在使用时从注册表读取，
// 因此包级哨兵错误可以先于 Register 创建。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	overrides []func(*Attributes)
}

// Option 在创建时调整单个错误。
type Option func(*Error)

// WithMetadata 附加一个键值，用于告警与日志。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string, 1)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖是否可重试。
func WithRetryable(retryable bool) Option {
	return override(func(a *Attributes) { a.Retryable = retryable })
}

// WithAlert 覆盖是否告警。
func WithAlert(alert bool) Option {
	return override(func(a *Attributes) { a.Alert = alert })
}

// WithSeverity 覆盖严重程度。
func WithSeverity(sev Severity) Option {
	return override(func(a *Attributes) { a.Severity = sev })
}

func override(fn func(*Attributes)) Option {
	return func(e *Error) { e.overrides = append(e.overrides, fn) }
}

// New 创建错误，message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 用错误码包裹已有错误。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Errorf 以格式化消息创建错误。
func Errorf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause == nil {
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is 按错误码比较，哨兵错误因此可以与任意同码错误匹配。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// LogValue 实现 slog.LogValuer，日志中展开错误码与附加信息。
func (e *Error) LogValue() slog.Value {
	if e == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String("code", string(e.code)),
		slog.String("message", e.Error()),
	}
	for k, v := range e.metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	return slog.GroupValue(attrs...)
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含原因的描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

func (e *Error) attributes() Attributes {
	attr := AttributesOf(e.code)
	for _, fn := range e.overrides {
		fn(&attr)
	}
	return attr
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool { return e != nil && e.attributes().Retryable }

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool { return e != nil && e.attributes().Alert }

// Severity 返回严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return e.attributes().Severity
}

// From 取出错误链中最外层的 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Is 判断错误链中是否有任意一层带有 code。
func Is(err error, code Code) bool {
	for err != nil {
		var e *Error
		if !stdErrors.As(err, &e) {
			return false
		}
		if e.code == code {
			return true
		}
		err = e.cause
	}
	return false
}

// CodeOf 返回最外层错误码，非 *Error 返回 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError 判断任意 error 是否可重试，非 *Error 一律不可重试。
func RetryableError(err error) bool {
	e, ok := From(err)
	return ok && e.Retryable()
}

// ShouldAlert 判断任意 error 是否需要告警。
func ShouldAlert(err error) bool {
	e, ok := From(err)
	return ok && e.ShouldAlert()
}

// SeverityOf 返回任意 error 的严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// HTTPStatus 把错误映射为 HTTP 状态码。
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if status := AttributesOf(CodeOf(err)).HTTPStatus; status != 0 {
		return status
	}
	return http.StatusInternalServerError
}
