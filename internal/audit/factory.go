package audit

import (
	"strconv"
	"strings"
	"time"

	"github.com/GoPolymarket/apigate/internal/config"
	"github.com/GoPolymarket/apigate/internal/model"
)

// ProviderErrorMessage is stored for every failed upstream call. The
// provider's own error body is already kept (redacted) in ResponsePayload.
const ProviderErrorMessage = "Provider returned an error."

// CallInfo describes one completed upstream call attempt.
type CallInfo struct {
	Operation       string
	HTTPMethod      string
	CallerSystem    string
	StatusCode      int
	RequestPath     string
	CorrelationID   string
	RequestJSON     string
	ResponseJSON    string
	RequestStarted  time.Time
	ResponseArrived time.Time
}

// Factory builds audit records for one API domain.
type Factory struct {
	domain   config.DomainConfig
	redactor *Redactor
}

func NewFactory(domain config.DomainConfig, redaction config.RedactionConfig) *Factory {
	return &Factory{
		domain:   domain,
		redactor: NewRedactor(redaction),
	}
}

// Build redacts both payloads and assembles the record. DurationMs is
// always derived from the two timestamps. Bounded text fields are clipped
// to their column widths.
func (f *Factory) Build(call CallInfo) model.AuditRecord {
	// UTC() drops the monotonic reading, so measure first
	elapsed := call.ResponseArrived.Sub(call.RequestStarted)
	if elapsed < 0 {
		elapsed = 0
	}
	requested := call.RequestStarted.UTC()
	responded := call.ResponseArrived.UTC()

	callerSystem := strings.TrimSpace(call.CallerSystem)
	if callerSystem == "" {
		callerSystem = f.domain.DBSchema
	}

	direction := f.domain.TableMode
	if mode, err := model.ParseTableMode(direction); err == nil {
		direction = string(mode)
	}

	record := model.AuditRecord{
		APIName:              f.domain.APIName,
		Operation:            model.ClipRunes(call.Operation, model.MaxOperationLen),
		Direction:            direction,
		CallerSystem:         model.ClipRunes(callerSystem, model.MaxCallerSystemLen),
		StatusCode:           call.StatusCode,
		HTTPMethod:           call.HTTPMethod,
		RequestPath:          model.ClipRunes(call.RequestPath, model.MaxRequestPathLen),
		RequestPayload:       f.redactor.Redact(call.RequestJSON),
		ResponsePayload:      f.redactor.Redact(call.ResponseJSON),
		CorrelationID:        model.ClipRunes(call.CorrelationID, model.MaxCorrelationIDLen),
		RequestTimestampUTC:  requested,
		ResponseTimestampUTC: responded,
		DurationMs:           elapsed.Milliseconds(),
	}
	if call.StatusCode >= 400 {
		record.ErrorCode = strconv.Itoa(call.StatusCode)
		record.ErrorMessage = ProviderErrorMessage
	}
	return record
}

// BuildRecord is the stateless form of Factory.Build.
func BuildRecord(call CallInfo, domain config.DomainConfig, redaction config.RedactionConfig) model.AuditRecord {
	return NewFactory(domain, redaction).Build(call)
}
