package gqlclient

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	// compressionKey marks a payload string as a compressed wrapper:
	// {"_gzip": "<base64 of compressed JSON>"}.
	compressionKey = "_gzip"

	// maxPayloadBytes caps the effective payload size before the full
	// JSON parser runs.
	maxPayloadBytes = 10 << 20 // 10 MiB

	// maxScanDepth bounds the dangerous-key scan. Deeper structures
	// are let through unscanned rather than recursed into.
	maxScanDepth = 10
)

// Messages used on the synthetic failure branches.
const (
	msgInvalidResponseStructure = "INVALID_RESPONSE_STRUCTURE"
	msgInvalidDataFormat        = "INVALID_DATA_FORMAT_IN_SUCCESSFUL_RESPONSE"
	msgPayloadTooLarge          = "PAYLOAD_TOO_LARGE"
	msgInvalidJSONFormat        = "INVALID_JSON_FORMAT"
	msgItemNotFound             = "ITEM_NOT_FOUND"
	msgTransactionFailed        = "ONE_OR_MORE_OPERATIONS_FAILED"
	msgUnknownError             = "UNKNOWN_ERROR"
	msgUnknownErrorStatus       = "UNKNOWN_ERROR_STATUS"
	msgRefreshFailed            = "TOKEN_REFRESH_FAILED_PLEASE_LOGIN"
)

// dangerousKeys are object keys that indicate a payload attempting
// prototype-pollution or code-injection against a less careful
// consumer. Matching is case-insensitive.
var dangerousKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
	"eval":        {},
	"function":    {},
	"settimeout":  {},
	"setinterval": {},
	"require":     {},
	"module":      {},
	"exports":     {},
	"global":      {},
	"process":     {},
}

// normalizer converts raw wire envelopes into the one Result shape
// callers consume. It never fails the call for compression or
// security-screening reasons alone; only structural problems do that.
type normalizer struct {
	logger *slog.Logger
}

// Normalize turns a wire envelope into a normalized Result following
// the dispatch protocol: transport errors first, then envelope shape,
// decompression, safety gating, JSON parsing, security screening, and
// finally the business-status dispatch table.
func (n *normalizer) Normalize(env *Envelope) Result {
	// Transport-level GraphQL errors bypass everything else.
	if len(env.Errors) > 0 {
		messages := make([]string, 0, len(env.Errors))
		for _, gqlErr := range env.Errors {
			messages = append(messages, normalizeErrorMessage(gqlErr.Message))
		}

		return Result{
			Success: false,
			Errors:  map[string][]string{keyGraphQL: messages},
		}
	}

	if env.Data == nil || env.Data.Response == nil {
		return failure(keyError, msgInvalidResponseStructure, "")
	}

	resp := env.Data.Response
	status := Status(resp.Status)
	code := ErrorCode(resp.ErrorCode)

	parsed, failed := n.parsePayload(resp.Data, status, code)
	if failed != nil {
		return *failed
	}

	if obj, ok := parsed.(map[string]any); ok {
		if key, found := scanDangerousKeys(obj, 0); found {
			n.logger.Warn("payload contains dangerous key, flagging for audit",
				slog.String("key", key),
				slog.String("status", resp.Status),
			)
		}
	}

	return n.dispatch(status, code, parsed, resp.FieldsWarning)
}

// parsePayload decompresses, safety-gates, and JSON-parses the raw
// payload string. It returns a failure Result when the payload cannot
// be used at all; a parse failure under an already-failing status is
// folded into a diagnostic object instead.
func (n *normalizer) parsePayload(raw string, status Status, code ErrorCode) (any, *Result) {
	if raw == "" {
		return nil, nil
	}

	payload := n.decompress(raw)

	if len(payload) > maxPayloadBytes {
		res := failure(keyError, msgPayloadTooLarge, code)
		return nil, &res
	}

	if !plausibleJSON(payload) {
		res := failure(keyError, msgInvalidJSONFormat, code)
		return nil, &res
	}

	var parsed any
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		if status.success() {
			// A malformed payload under a success status is itself an
			// error; it is never passed off as success.
			res := failure(keyError, msgInvalidDataFormat, code)
			return nil, &res
		}

		// Under a failure status the raw string is kept as a
		// diagnostic and dispatch continues.
		return map[string]any{
			"raw":        payload,
			"parseError": err.Error(),
		}, nil
	}

	return parsed, nil
}

// decompress unwraps a {"_gzip": base64} payload. Any failure in the
// compression layer falls back to the original raw string; only the
// JSON parse step downstream may fail the call.
func (n *normalizer) decompress(raw string) string {
	if !gjson.Valid(raw) {
		return raw
	}

	wrapped := gjson.Get(raw, compressionKey)
	if !wrapped.Exists() {
		return raw
	}

	compressed, err := base64.StdEncoding.DecodeString(wrapped.String())
	if err != nil {
		n.logger.Warn("compressed payload is not valid base64, using raw payload")
		return raw
	}

	inflated, err := inflate(compressed)
	if err != nil {
		n.logger.Warn("payload decompression failed, using raw payload",
			slog.String("error", err.Error()),
		)

		return raw
	}

	return string(inflated)
}

// inflate decompresses a gzip stream, falling back to raw deflate for
// backends that strip the gzip framing.
func inflate(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err == nil {
		defer zr.Close()

		out, readErr := io.ReadAll(io.LimitReader(zr, maxPayloadBytes+1))
		if readErr == nil {
			return out, nil
		}

		err = readErr
	}

	fr := flate.NewReader(bytes.NewReader(data))
	defer fr.Close()

	out, flateErr := io.ReadAll(io.LimitReader(fr, maxPayloadBytes+1))
	if flateErr != nil {
		return nil, fmt.Errorf("inflating payload: %w", err)
	}

	return out, nil
}

// plausibleJSON is a cheap screen applied before invoking the full
// JSON parser on untrusted input: objects, arrays, strings, and the
// bare literals/numbers pass; anything else is rejected outright.
func plausibleJSON(payload string) bool {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return false
	}

	switch trimmed[0] {
	case '{', '[', '"':
		return true
	}

	switch trimmed {
	case "null", "true", "false":
		return true
	}

	// Bare number: digits with optional sign.
	c := trimmed[0]

	return c == '-' || (c >= '0' && c <= '9')
}

// scanDangerousKeys walks the parsed object tree looking for keys from
// the dangerousKeys set, returning the first hit. Recursion stops at
// maxScanDepth: the bound is a safety valve against hostile nesting,
// and anything deeper is reported as not dangerous.
func scanDangerousKeys(value any, depth int) (string, bool) {
	if depth >= maxScanDepth {
		return "", false
	}

	switch v := value.(type) {
	case map[string]any:
		for key, child := range v {
			if _, bad := dangerousKeys[strings.ToLower(key)]; bad {
				return key, true
			}
			if found, ok := scanDangerousKeys(child, depth+1); ok {
				return found, true
			}
		}
	case []any:
		for _, child := range v {
			if found, ok := scanDangerousKeys(child, depth+1); ok {
				return found, true
			}
		}
	}

	return "", false
}

// dispatch maps a business status plus parsed payload onto the final
// Result.
func (n *normalizer) dispatch(status Status, code ErrorCode, data any, fieldsWarning any) Result {
	switch status {
	case StatusOK, StatusWarning:
		return Result{
			Success:       true,
			Data:          data,
			FieldsWarning: fieldsWarning,
		}

	case StatusFieldError:
		return Result{
			Success:       false,
			Errors:        foldFieldIssues(data),
			FieldsWarning: fieldsWarning,
			ErrorCode:     code,
		}

	case StatusItemNotFound:
		if code == "" {
			code = CodeItemNotFound
		}

		return Result{
			Success:   false,
			Errors:    map[string][]string{keyID: {msgItemNotFound}},
			ErrorCode: code,
		}

	case StatusError:
		return n.dispatchError(code, data)

	default:
		if code == "" {
			code = CodeInternalServerError
		}
		message := string(status)
		if message == "" {
			message = msgUnknownErrorStatus
		}

		return failure(keyError, message, code)
	}
}

// dispatchError handles the ERROR status, whose payload shape decides
// the error map.
func (n *normalizer) dispatchError(code ErrorCode, data any) Result {
	switch v := data.(type) {
	case []any:
		// A multi-operation call where at least one sub-operation
		// failed. Per-operation results are not decomposed here; the
		// payload is passed through for the caller to inspect.
		return Result{
			Success:   false,
			Data:      v,
			Errors:    map[string][]string{keyTransaction: {msgTransactionFailed}},
			ErrorCode: code,
		}

	case map[string]any:
		return Result{
			Success:   false,
			Errors:    errorMapFromObject(v),
			ErrorCode: code,
		}

	default:
		message := stringifyScalar(v)
		if message == "" {
			message = msgUnknownError
		}

		return failure(keyError, message, code)
	}
}

// foldFieldIssues folds a FIELD_ERROR payload — a list of
// {path, message} issues — into a map keyed by each issue's first path
// segment, accumulating messages per field in arrival order.
func foldFieldIssues(data any) map[string][]string {
	issues, ok := data.([]any)
	if !ok {
		return map[string][]string{keyValidation: {msgUnknownError}}
	}

	folded := make(map[string][]string)
	for _, item := range issues {
		issue, ok := item.(map[string]any)
		if !ok {
			continue
		}

		key := keyError
		if path, ok := issue["path"].([]any); ok && len(path) > 0 {
			if first, ok := path[0].(string); ok && first != "" {
				key = first
			}
		}

		message := stringifyScalar(issue["message"])
		if message == "" {
			message = msgUnknownError
		}

		folded[key] = append(folded[key], message)
	}

	if len(folded) == 0 {
		return map[string][]string{keyValidation: {msgUnknownError}}
	}

	return folded
}

// errorMapFromObject coerces an ERROR-status object payload into the
// errors map, accepting string and []string-ish values.
func errorMapFromObject(obj map[string]any) map[string][]string {
	errs := make(map[string][]string, len(obj))
	for key, value := range obj {
		switch v := value.(type) {
		case string:
			errs[key] = []string{v}
		case []any:
			messages := make([]string, 0, len(v))
			for _, item := range v {
				messages = append(messages, stringifyScalar(item))
			}
			errs[key] = messages
		default:
			errs[key] = []string{stringifyScalar(v)}
		}
	}

	if len(errs) == 0 {
		return map[string][]string{keyError: {msgUnknownError}}
	}

	return errs
}

// stringifyScalar renders a scalar payload value for an error message.
// nil renders as empty so callers can substitute a default.
func stringifyScalar(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		// JSON numbers decode as float64; render integers cleanly.
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}

		return fmt.Sprintf("%g", s)
	case bool:
		return fmt.Sprintf("%t", s)
	default:
		return fmt.Sprintf("%v", s)
	}
}

// normalizeErrorMessage upper-cases a transport-level GraphQL error
// message and collapses spaces/periods so messages compare stably
// across backend wording tweaks ("Not authorized." and
// "not authorized" both become "NOT_AUTHORIZED").
func normalizeErrorMessage(message string) string {
	if message == "" {
		return msgUnknownError
	}

	upper := strings.ToUpper(strings.TrimSpace(message))
	upper = strings.ReplaceAll(upper, ".", "")

	return strings.Join(strings.Fields(upper), "_")
}
