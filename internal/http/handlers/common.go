package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/iago/leave-bot/internal/cache"
	"github.com/iago/leave-bot/internal/domain"
	"github.com/iago/leave-bot/internal/http/middleware"
	"github.com/iago/leave-bot/internal/service"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var errInvalidPayload = errors.New("invalid payload")

// InboundHandler accepts a normalized inbound message for processing.
type InboundHandler interface {
	HandleInbound(ctx context.Context, message domain.InboundMessage) error
}

// StatusReceiver applies a provider delivery callback.
type StatusReceiver interface {
	OnStatus(ctx context.Context, providerID, status string) error
}

// JobReader loads the inspection view of a job.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*service.JobView, error)
}

type Options struct {
	// DedupeTTL is how long an accepted provider message id is remembered.
	DedupeTTL time.Duration
}

type API struct {
	inbound  InboundHandler
	statuses StatusReceiver
	jobs     JobReader
	seen     cache.Cache
	validate *validator.Validate
	options  Options
	logger   *zap.Logger
}

func NewAPI(
	inbound InboundHandler,
	statuses StatusReceiver,
	jobs JobReader,
	seen cache.Cache,
	options Options,
	logger *zap.Logger,
) *API {
	if options.DedupeTTL <= 0 {
		options.DedupeTTL = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		inbound:  inbound,
		statuses: statuses,
		jobs:     jobs,
		seen:     seen,
		validate: newValidator(),
		options:  options,
		logger:   logger.Named("http"),
	}
}

// newValidator reports field names by their json tag.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

func decodeJSON(r *http.Request, value any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

// bind decodes and validates a request body, writing the 400 itself when
// either step fails.
func (api *API) bind(w http.ResponseWriter, r *http.Request, value any) bool {
	if err := decodeJSON(r, value); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "request body is not valid json")
		return false
	}
	if err := api.validate.Struct(value); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return "invalid input"
	}
	first := errs[0]
	field := fieldLabel(first.Field())
	switch first.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, first.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// fieldLabel turns message_id into Message Id.
func fieldLabel(name string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(name, "_", " "))
}
