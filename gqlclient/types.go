package gqlclient

// Status is the business-level outcome code carried inside a GraphQL
// payload, distinct from transport-level GraphQL errors.
type Status string

// Known business statuses. Any other string is treated as an unknown
// internal error by the normalizer.
const (
	StatusOK           Status = "OK"
	StatusWarning      Status = "WARNING"
	StatusFieldError   Status = "FIELD_ERROR"
	StatusItemNotFound Status = "ITEM_NOT_FOUND"
	StatusError        Status = "ERROR"
)

// success reports whether the status carries usable data.
func (s Status) success() bool {
	return s == StatusOK || s == StatusWarning
}

// ErrorCode classifies a failed result for the caller.
type ErrorCode string

const (
	CodeUnauthorized        ErrorCode = "Unauthorized"
	CodeItemNotFound        ErrorCode = "ItemNotFound"
	CodeInternalServerError ErrorCode = "InternalServerError"
)

// Synthetic error-map keys used when a failure is not tied to a
// specific input field.
const (
	keyError       = "_error"
	keyID          = "_id"
	keyGraphQL     = "_graphql"
	keyTransaction = "_transaction"
	keyAuth        = "_auth"
	keyRefresh     = "_refresh"
	keyValidation  = "_validation"
)

// GraphQLError is a transport-level error entry from the GraphQL envelope.
type GraphQLError struct {
	Message    string         `json:"message"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// OperationResponse is the business payload wrapper inside a successful
// GraphQL envelope. Data is a JSON string, optionally wrapped in a
// {"_gzip": "<base64>"} compression envelope.
type OperationResponse struct {
	Status        string `json:"status"`
	Data          string `json:"data"`
	FieldsWarning any    `json:"fieldsWarning,omitempty"`
	ErrorCode     string `json:"errorCode,omitempty"`
}

// EnvelopeData is the data half of a GraphQL envelope. Every operation
// aliases its root field to "response".
type EnvelopeData struct {
	Response *OperationResponse `json:"response,omitempty"`
}

// Envelope is the raw wire response to one GraphQL POST.
type Envelope struct {
	Data   *EnvelopeData  `json:"data,omitempty"`
	Errors []GraphQLError `json:"errors,omitempty"`
}

// Result is the normalized outcome returned to callers for every
// operation, regardless of the underlying wire status.
//
// Success=true implies Errors is nil; Success=false implies Errors is
// non-empty, keyed by field name or one of the synthetic keys.
type Result struct {
	Success       bool                `json:"success"`
	Data          any                 `json:"data,omitempty"`
	Errors        map[string][]string `json:"errors,omitempty"`
	FieldsWarning any                 `json:"fieldsWarning,omitempty"`
	ErrorCode     ErrorCode           `json:"errorCode,omitempty"`
}

// failure builds a failed Result with a single synthetic key.
func failure(key, message string, code ErrorCode) Result {
	return Result{
		Success:   false,
		Errors:    map[string][]string{key: {message}},
		ErrorCode: code,
	}
}

// TokenConfig is the token state accepted from the caller, e.g. when
// restoring a persisted session. Zero-valued fields are left untouched.
type TokenConfig struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken,omitempty"`
	ExpiresAt        int64  `json:"expiresAt,omitempty"`        // epoch millis
	RefreshExpiresAt int64  `json:"refreshExpiresAt,omitempty"` // epoch millis
}

// TokenData is a read-only snapshot of the session's token state plus
// derived expiry booleans.
type TokenData struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	ExpiresAt        int64  `json:"expiresAt"`
	RefreshExpiresAt int64  `json:"refreshExpiresAt"`
	IsExpired        bool   `json:"isExpired"`      // under the high urgency buffer
	WillExpireSoon   bool   `json:"willExpireSoon"` // under the normal urgency buffer
	IsValid          bool   `json:"isValid"`
	ExpiresIn        int64  `json:"expiresIn"` // millis until expiry, 0 when unset
}

// tokenGrant is the token payload returned by the backend from login
// and refresh operations. TTLs are in seconds.
type tokenGrant struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	ExpiresIn        int64  `json:"expiresIn"`
	RefreshExpiresIn int64  `json:"refreshExpiresIn"`
}

// Endpoints is the result of the one-time discovery handshake.
type Endpoints struct {
	GraphQLURL string `json:"graphqlUrl"`
	APIKey     string `json:"apiKey,omitempty"`
}
