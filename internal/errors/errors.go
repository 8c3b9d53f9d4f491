package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Kind 把错误码归入几类调用方需要区别处理的失败：
// 输入错误、策略拒绝、基础设施故障、超时等。
type Kind string

const (
	KindInvalidInput    Kind = "invalid_input"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindPolicyViolation Kind = "policy_violation"
	KindInfrastructure  Kind = "infrastructure"
	KindUnavailable     Kind = "unavailable"
	KindTimeout         Kind = "timeout"
	KindInternal        Kind = "internal"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeAlreadyCompleted      Code = "ALREADY_COMPLETED"
	CodeRetriesExhausted      Code = "RETRIES_EXHAUSTED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeExecutorFailure       Code = "EXECUTOR_FAILURE"
	CodeTimeout               Code = "TIMEOUT"

	// 策略、证明与执行链路的错误码。
	CodeValidation         Code = "POLICY_VALIDATION"
	CodePolicyViolation    Code = "POLICY_VIOLATION"
	CodeProofInputInvalid  Code = "PROOF_INPUT_INVALID"
	CodeProofConstraint    Code = "PROOF_CONSTRAINT_VIOLATION"
	CodeProofBackend       Code = "PROOF_BACKEND_FAILURE"
	CodeSessionKeyExists   Code = "SESSION_KEY_EXISTS"
	CodeSessionKeyNotFound Code = "SESSION_KEY_NOT_FOUND"
	CodeAccountMismatch    Code = "ACCOUNT_MISMATCH"
	CodeSubmission         Code = "SUBMISSION_INFRASTRUCTURE"
	CodeReceiptTimeout     Code = "RECEIPT_TIMEOUT"
	CodeNullifierUsed      Code = "NULLIFIER_USED"
	CodeProofInvalid       Code = "PROOF_INVALID"
	CodeCallReverted       Code = "CALL_REVERTED"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Kind      Kind
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

// 只有任务存储与队列这类广播前的基础设施故障默认可重试；
// 提交、证明与回执相关的失败一律不重试，由调用方显式处理。
var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Kind: KindInternal, Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Kind: KindInvalidInput, Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:              {Kind: KindNotFound, Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:              {Kind: KindConflict, Message: "resource conflict", Severity: SeverityWarning},
		CodeAlreadyCompleted:      {Kind: KindConflict, Message: "resource already completed", Severity: SeverityInfo},
		CodeRetriesExhausted:      {Kind: KindInternal, Message: "retries exhausted", Severity: SeverityWarning, Alert: true},
		CodeInitializationFailure: {Kind: KindUnavailable, Message: "service not initialized", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:        {Kind: KindInfrastructure, Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:          {Kind: KindInfrastructure, Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeExecutorFailure:       {Kind: KindInternal, Message: "executor failure", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeTimeout:               {Kind: KindTimeout, Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},

		CodeValidation:         {Kind: KindInvalidInput, Message: "policy configuration invalid", Severity: SeverityInfo},
		CodePolicyViolation:    {Kind: KindPolicyViolation, Message: "transaction blocked by policy", Severity: SeverityInfo},
		CodeProofInputInvalid:  {Kind: KindInvalidInput, Message: "proof request invalid", Severity: SeverityInfo},
		CodeProofConstraint:    {Kind: KindPolicyViolation, Message: "proof constraints not satisfied", Severity: SeverityWarning},
		CodeProofBackend:       {Kind: KindInfrastructure, Message: "proving backend failure", Severity: SeverityCritical, Alert: true},
		CodeSessionKeyExists:   {Kind: KindConflict, Message: "session key already provisioned", Severity: SeverityWarning},
		CodeSessionKeyNotFound: {Kind: KindNotFound, Message: "session key not provisioned", Severity: SeverityWarning},
		CodeAccountMismatch:    {Kind: KindInternal, Message: "prepared sender does not match smart account", Severity: SeverityCritical, Alert: true},
		CodeSubmission:         {Kind: KindInfrastructure, Message: "submission infrastructure failure", Severity: SeverityWarning, Alert: true},
		CodeReceiptTimeout:     {Kind: KindTimeout, Message: "receipt not found after polling", Severity: SeverityWarning, Alert: true},
		CodeNullifierUsed:      {Kind: KindPolicyViolation, Message: "nullifier already used", Severity: SeverityWarning},
		CodeProofInvalid:       {Kind: KindPolicyViolation, Message: "proof rejected by verifier", Severity: SeverityWarning, Alert: true},
		CodeCallReverted:       {Kind: KindInfrastructure, Message: "target call reverted", Severity: SeverityWarning},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。未指定 Kind 时归为 internal。
func Register(code Code, attr Attributes) {
	if attr.Kind == "" {
		attr.Kind = KindInternal
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖错误码的默认重试属性。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// WithAlert 覆盖错误码的默认告警属性。
func WithAlert(alert bool) Option {
	return func(e *Error) { e.alert = &alert }
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.severity = &sev }
}

// New 创建一个新的错误实例，message 为空时使用错误码的默认描述。
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

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Validation 构造策略配置校验错误，field 用于定位具体字段。
func Validation(field, message string) *Error {
	return New(CodeValidation, message, WithMetadata("field", field))
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码匹配，errors.Is 会沿包装链逐层比较。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含错误码与底层原因的描述。
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

// Kind 返回错误码所属的类别。
func (e *Error) Kind() Kind {
	return AttributesOf(e.Code()).Kind
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误链最外层的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// KindOf 返回错误链最外层错误码的类别，非统一错误视为 internal。
func KindOf(err error) Kind {
	if e, ok := From(err); ok {
		return e.Kind()
	}
	return KindInternal
}

// HasCode 判断错误链中是否存在指定错误码。
func HasCode(err error, code Code) bool {
	return stdErrors.Is(err, &Error{code: code})
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	e, ok := From(err)
	return ok && e.Retryable()
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	e, ok := From(err)
	return ok && e.ShouldAlert()
}

// MetadataOf 读取错误链上的附加信息，不存在时返回空字符串。
func MetadataOf(err error, key string) string {
	if e, ok := From(err); ok {
		return e.metadata[key]
	}
	return ""
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
