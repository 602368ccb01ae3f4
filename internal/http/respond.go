package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
)

// Error codes returned in the "code" field of error bodies.
const (
	codeValidation      = "validation_failed"
	codeUnauthenticated = "unauthenticated"
	codeForbidden       = "forbidden"
	codeNotFound        = "not_found"
	codeConflict        = "conflict"
	codeNodeUnreachable = "node_unreachable"
	codeOperationFailed = "operation_failed"
	codeRateLimited     = "rate_limited"
	codeMethod          = "method_not_allowed"
	codeInternal        = "internal_error"
)

const maxBodyBytes = 8 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable,omitempty"`
}

type dataBody struct {
	Data any `json:"data"`
}

type listBody struct {
	Data     any `json:"data"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, dataBody{Data: data})
}

func writeList[T any](w http.ResponseWriter, items []T, total int, page domain.Page) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, listBody{Data: items, Total: total, Page: page.Page, PageSize: page.PageSize})
}

func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// writeServiceError translates a service error into its HTTP status. Internal
// failures are logged and reported without their text.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, req *http.Request, err error) {
	var (
		status int
		code   string
	)
	switch {
	case errors.Is(err, domain.ErrValidation):
		status, code = http.StatusBadRequest, codeValidation
	case errors.Is(err, domain.ErrUnauthenticated):
		status, code = http.StatusUnauthorized, codeUnauthenticated
	case errors.Is(err, domain.ErrForbidden):
		status, code = http.StatusForbidden, codeForbidden
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, codeNotFound
	case errors.Is(err, domain.ErrConflict):
		status, code = http.StatusConflict, codeConflict
	case errors.Is(err, domain.ErrNodeUnreachable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error(), Code: codeNodeUnreachable, Retryable: true})
		return
	case errors.Is(err, domain.ErrOperationFailed):
		status, code = http.StatusBadGateway, codeOperationFailed
	default:
		logger.Error("request failed", "method", req.Method, "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "internal server error")
		return
	}
	writeError(w, status, code, err.Error())
}

// decodeJSON reads a JSON body into dst and validates its struct tags. An empty
// body is accepted when allowEmpty is set.
func decodeJSON(req *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return domain.Validationf("invalid JSON body: %v", err)
		}
	}
	if err := validate.Struct(dst); err != nil {
		return domain.Validationf("%s", describeValidation(err))
	}
	return nil
}

func describeValidation(err error) string {
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return err.Error()
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		name := f.Field()
		switch f.Tag() {
		case "required":
			parts = append(parts, name+" is required")
		case "email":
			parts = append(parts, name+" must be a valid email")
		case "oneof":
			parts = append(parts, name+" must be one of "+f.Param())
		default:
			parts = append(parts, name+" failed "+f.Tag())
		}
	}
	return strings.Join(parts, "; ")
}

// pageFromQuery reads page and page_size, clamped to the allowed window.
func pageFromQuery(req *http.Request) domain.Page {
	q := req.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("page_size"))
	return domain.NormalizePage(page, size)
}

func queryBool(req *http.Request, key string) bool {
	v, err := strconv.ParseBool(req.URL.Query().Get(key))
	return err == nil && v
}

func queryInt(req *http.Request, key string, fallback int) int {
	v, err := strconv.Atoi(req.URL.Query().Get(key))
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
