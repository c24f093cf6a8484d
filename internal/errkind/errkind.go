// Package errkind holds the single error taxonomy shared by the session engine,
// the model-file utility and the HTTP layer. Every error that crosses a package
// boundary is an *Error carrying a Kind and, optionally, the underlying cause.
package errkind

import (
	"errors"
	"net/http"
)

// Kind classifies a failure. Values are semantic only; they are not stable
// numeric codes and must not be persisted.
type Kind int

const (
	Unknown Kind = iota

	// Load errors.
	FailedToOpenModelFile
	InvalidModelUnversioned
	InvalidModelBadMagic
	InvalidModelUnsupportedFileVersion
	GeneralLoadFailure

	// Prediction errors.
	PromptTooLong
	GeneralPredictionFailure

	// Snapshot / session-cache errors.
	SessionContextUnavailable

	// Model-utility errors.
	ModelTypeUndetermined
	QuantizationFailed
	ConversionFailed
	InvalidArguments
	LoraApplyFailed
)

var kindNames = map[Kind]string{
	Unknown:                            "unknown",
	FailedToOpenModelFile:              "failed_to_open_model_file",
	InvalidModelUnversioned:            "invalid_model_unversioned",
	InvalidModelBadMagic:               "invalid_model_bad_magic",
	InvalidModelUnsupportedFileVersion: "invalid_model_unsupported_file_version",
	GeneralLoadFailure:                 "general_load_failure",
	PromptTooLong:                      "prompt_too_long",
	GeneralPredictionFailure:           "general_prediction_failure",
	SessionContextUnavailable:          "session_context_unavailable",
	ModelTypeUndetermined:              "model_type_undetermined",
	QuantizationFailed:                 "quantization_failed",
	ConversionFailed:                   "conversion_failed",
	InvalidArguments:                   "invalid_arguments",
	LoraApplyFailed:                    "lora_apply_failed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// IsLoad reports whether k belongs to the load-error group.
func (k Kind) IsLoad() bool {
	switch k {
	case FailedToOpenModelFile, InvalidModelUnversioned, InvalidModelBadMagic,
		InvalidModelUnsupportedFileVersion, GeneralLoadFailure, LoraApplyFailed:
		return true
	}
	return false
}

// Error is the concrete error type for every Kind.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// StatusCode maps the kind to an HTTP status; it satisfies httpapi.HTTPError.
func (e *Error) StatusCode() int {
	switch {
	case e.Kind == InvalidArguments, e.Kind == PromptTooLong:
		return http.StatusBadRequest
	case e.Kind == SessionContextUnavailable:
		return http.StatusConflict
	case e.Kind.IsLoad():
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New returns an error of the given kind.
func New(kind Kind, msg string) error { return &Error{Kind: kind, Msg: msg} }

// Wrap returns an error of the given kind chained to cause.
func Wrap(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// KindOf returns the kind of the outermost *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether any *Error in err's chain has the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsLoadKind reports whether err's outermost kind is a load error.
func IsLoadKind(err error) bool { return KindOf(err).IsLoad() }
