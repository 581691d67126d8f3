package webapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/cryguy/scriptd/internal/core"
	"github.com/cryguy/scriptd/internal/eventloop"
)

// errorsJS defines HttpError, StorageError and __describeError, which the
// executor uses to classify a rejected handler.
const errorsJS = `
(function() {
	class HttpError extends Error {
		constructor(status, message) {
			var s = Number(status);
			super(message === undefined ? (__statusText[s] || '') : String(message));
			this.name = 'HttpError';
			this.status = s;
		}
		static from(status, cause) {
			if (cause instanceof HttpError) return cause;
			if (cause === undefined) return new HttpError(status);
			return new HttpError(status, cause instanceof Error ? cause.message : cause);
		}
	}

	class StorageError extends Error {
		constructor(kind, message) {
			super(message === undefined ? '' : String(message));
			this.name = 'StorageError';
			this.kind = kind;
		}
		get retryable() { return this.kind === StorageError.BUSY; }
	}
	StorageError.BUSY = 'busy';
	StorageError.CONSTRAINT = 'constraint';
	StorageError.IO = 'io';

	globalThis.HttpError = HttpError;
	globalThis.StorageError = StorageError;

	globalThis.__describeError = function(e) {
		if (e instanceof HttpError) {
			return JSON.stringify({ httpError: true, status: e.status, message: e.message, name: e.name });
		}
		var out = { httpError: false, status: 0, message: '', stack: '', name: '' };
		try {
			if (e instanceof Error) {
				out.name = e.name;
				out.message = e.message;
				out.stack = e.stack || '';
			} else {
				out.message = String(e);
			}
		} catch (_) {
			out.message = 'unprintable exception';
		}
		return JSON.stringify(out);
	};
})();
`

// statusNames maps the status codes exposed to scripts to their constant
// names.
var statusNames = map[int]string{
	http.StatusContinue:                     "CONTINUE",
	http.StatusSwitchingProtocols:           "SWITCHING_PROTOCOLS",
	http.StatusOK:                           "OK",
	http.StatusCreated:                      "CREATED",
	http.StatusAccepted:                     "ACCEPTED",
	http.StatusNonAuthoritativeInfo:         "NON_AUTHORITATIVE_INFORMATION",
	http.StatusNoContent:                    "NO_CONTENT",
	http.StatusResetContent:                 "RESET_CONTENT",
	http.StatusPartialContent:               "PARTIAL_CONTENT",
	http.StatusMultipleChoices:              "MULTIPLE_CHOICES",
	http.StatusMovedPermanently:             "MOVED_PERMANENTLY",
	http.StatusFound:                        "FOUND",
	http.StatusSeeOther:                     "SEE_OTHER",
	http.StatusNotModified:                  "NOT_MODIFIED",
	http.StatusTemporaryRedirect:            "TEMPORARY_REDIRECT",
	http.StatusPermanentRedirect:            "PERMANENT_REDIRECT",
	http.StatusBadRequest:                   "BAD_REQUEST",
	http.StatusUnauthorized:                 "UNAUTHORIZED",
	http.StatusPaymentRequired:              "PAYMENT_REQUIRED",
	http.StatusForbidden:                    "FORBIDDEN",
	http.StatusNotFound:                     "NOT_FOUND",
	http.StatusMethodNotAllowed:             "METHOD_NOT_ALLOWED",
	http.StatusNotAcceptable:                "NOT_ACCEPTABLE",
	http.StatusRequestTimeout:               "REQUEST_TIMEOUT",
	http.StatusConflict:                     "CONFLICT",
	http.StatusGone:                         "GONE",
	http.StatusLengthRequired:               "LENGTH_REQUIRED",
	http.StatusPreconditionFailed:           "PRECONDITION_FAILED",
	http.StatusRequestEntityTooLarge:        "PAYLOAD_TOO_LARGE",
	http.StatusRequestURITooLong:            "URI_TOO_LONG",
	http.StatusUnsupportedMediaType:         "UNSUPPORTED_MEDIA_TYPE",
	http.StatusRequestedRangeNotSatisfiable: "RANGE_NOT_SATISFIABLE",
	http.StatusExpectationFailed:            "EXPECTATION_FAILED",
	http.StatusTeapot:                       "IM_A_TEAPOT",
	http.StatusUnprocessableEntity:          "UNPROCESSABLE_ENTITY",
	http.StatusTooEarly:                     "TOO_EARLY",
	http.StatusUpgradeRequired:              "UPGRADE_REQUIRED",
	http.StatusPreconditionRequired:         "PRECONDITION_REQUIRED",
	http.StatusTooManyRequests:              "TOO_MANY_REQUESTS",
	http.StatusRequestHeaderFieldsTooLarge:  "REQUEST_HEADER_FIELDS_TOO_LARGE",
	http.StatusUnavailableForLegalReasons:   "UNAVAILABLE_FOR_LEGAL_REASONS",
	http.StatusInternalServerError:          "INTERNAL_SERVER_ERROR",
	http.StatusNotImplemented:               "NOT_IMPLEMENTED",
	http.StatusBadGateway:                   "BAD_GATEWAY",
	http.StatusServiceUnavailable:           "SERVICE_UNAVAILABLE",
	http.StatusGatewayTimeout:               "GATEWAY_TIMEOUT",
	http.StatusHTTPVersionNotSupported:      "HTTP_VERSION_NOT_SUPPORTED",
}

// statusCodesJS builds the frozen StatusCodes object and the reason-phrase
// table HttpError falls back to when no message is given.
func statusCodesJS() string {
	var codes, texts strings.Builder
	codes.WriteString("{")
	texts.WriteString("{")
	first := true
	for code, name := range statusNames {
		if !first {
			codes.WriteString(",")
			texts.WriteString(",")
		}
		first = false
		codes.WriteString(name + ":" + strconv.Itoa(code))
		texts.WriteString(strconv.Itoa(code) + ":" + core.JsEscape(http.StatusText(code)))
	}
	codes.WriteString("}")
	texts.WriteString("}")
	return "globalThis.StatusCodes = Object.freeze(" + codes.String() + ");\n" +
		"globalThis.__statusText = Object.freeze(" + texts.String() + ");\n"
}

// SetupErrors installs StatusCodes, HttpError and StorageError.
func SetupErrors(rt core.JSRuntime, _ *eventloop.EventLoop) error {
	if err := rt.Eval(statusCodesJS()); err != nil {
		return err
	}
	return rt.Eval(errorsJS)
}
