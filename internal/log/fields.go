package log

import "sort"

// Field names shared by every log record.
const (
	FieldComponent     = "component"
	FieldRequestID     = "request_id"
	FieldClientIP      = "client_ip"
	FieldMethod        = "method"
	FieldPath          = "path"
	FieldQuery         = "query"
	FieldStatusCode    = "status_code"
	FieldDuration      = "duration_ms"
	FieldUserAgent     = "user_agent"
	FieldReferer       = "referer"
	FieldSuccess       = "success"
	FieldError         = "error"
	FieldOperation     = "operation"
	FieldTransactionID = "transaction_id"
	FieldVersion       = "version"
	FieldActorID       = "actor_id"
	FieldOwnerID       = "owner_id"
	FieldCategoryID    = "category_id"
	FieldBudgetID      = "budget_id"
	FieldStage         = "stage"
)

const (
	ComponentApp         = "app"
	ComponentHTTP        = "http"
	ComponentTransaction = "transaction"
	ComponentBudget      = "budget"
	ComponentAudit       = "audit"
	ComponentLocking     = "locking"
	ComponentReconcile   = "reconcile"
	ComponentStorage     = "storage"
	ComponentAMQP        = "amqp"
	ComponentWorker      = "worker"
	ComponentExport      = "export"
	ComponentNotify      = "notify"
	ComponentCache       = "cache"
	ComponentSecurity    = "security"
	ComponentTrace       = "trace"
	ComponentBackend     = "backend"
)

const (
	OpCreate = "create"
	OpUpdate = "update"
	OpAppend = "append"
	OpExport = "export"
)

// LogFields collects record attributes before they are handed to slog.
type LogFields map[string]any

func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) WithClientIP(ip string) LogFields {
	f[FieldClientIP] = ip
	return f
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

func (f LogFields) WithTransaction(id string, version int64, actor string) LogFields {
	f[FieldTransactionID] = id
	f[FieldVersion] = version
	f[FieldActorID] = actor
	return f
}

// WithStage records the mutation pipeline stage.
func (f LogFields) WithStage(stage string) LogFields {
	f[FieldStage] = stage
	return f
}

func (f LogFields) WithHTTPRequest(method, path, query, userAgent, referer string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	f[FieldQuery] = query
	f[FieldUserAgent] = userAgent
	f[FieldReferer] = referer
	return f
}

func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64, success bool) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldSuccess] = success
	return f
}

// ToSlice flattens the fields into slog key/value pairs in key order.
// The component is owned by the Logger and is never emitted from here.
func (f LogFields) ToSlice() []any {
	keys := make([]string, 0, len(f))
	for k := range f {
		if k != FieldComponent {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	slice := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		slice = append(slice, k, f[k])
	}
	return slice
}
