package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/go-playground/validator/v10"

	"econdata/internal/model"
	"econdata/internal/request"
)

type Provider interface {
	Name() string
	GetSeriesData(ctx context.Context, q Query) (*model.Table, error)
	GetSeriesMetadata(ctx context.Context, ids []string) (map[string]model.SeriesMetadata, error)
}

// Executor is the slice of request.Executor the clients depend on.
type Executor interface {
	GetJSON(ctx context.Context, req request.Request, dest any) error
}

type Query struct {
	SeriesIDs []string
	// LastOnly asks for the most recent observation of each series and
	// excludes Start and End.
	LastOnly bool
	Start    *civil.Date
	End      *civil.Date
	// Options are provider specific, see each client's options type.
	Options map[string]string
}

var ErrInvalidQuery = errors.New("providers: invalid query")

type ValidationError struct {
	Provider string
	Field    string
	Value    string
	Message  string
}

func (e *ValidationError) Error() string {
	prefix := "providers"
	if e.Provider != "" {
		prefix = e.Provider
	}
	return fmt.Sprintf("%s: invalid %s %q: %s", prefix, e.Field, e.Value, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidQuery
}

// PrepareQuery validates q before any request is made and returns a
// normalized copy: ids trimmed and a reversed range swapped. When opts is
// non-nil it must point to an options struct; q.Options are decoded into it
// and validated. Keys the struct does not declare are rejected.
func PrepareQuery(provider string, q Query, opts any, logger *slog.Logger) (Query, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if len(q.SeriesIDs) == 0 {
		return Query{}, &ValidationError{Provider: provider, Field: "series_ids", Message: "at least one series id is required"}
	}
	ids := make([]string, 0, len(q.SeriesIDs))
	for _, id := range q.SeriesIDs {
		trimmed := strings.TrimSpace(id)
		if trimmed == "" {
			return Query{}, &ValidationError{Provider: provider, Field: "series_ids", Value: id, Message: "series id must not be blank"}
		}
		ids = append(ids, trimmed)
	}

	if q.LastOnly && (q.Start != nil || q.End != nil) {
		value := ""
		if q.Start != nil {
			value = q.Start.String()
		} else {
			value = q.End.String()
		}
		return Query{}, &ValidationError{Provider: provider, Field: "last_only", Value: value, Message: "cannot be combined with a start or end date"}
	}

	prepared := Query{
		SeriesIDs: ids,
		LastOnly:  q.LastOnly,
		Start:     q.Start,
		End:       q.End,
		Options:   q.Options,
	}
	if prepared.Start != nil && prepared.End != nil && prepared.End.Before(*prepared.Start) {
		logger.Warn("start date is after end date, swapping",
			"provider", provider,
			"start", prepared.Start.String(),
			"end", prepared.End.String(),
		)
		prepared.Start, prepared.End = prepared.End, prepared.Start
	}

	if err := DecodeOptions(provider, q.Options, opts); err != nil {
		return Query{}, err
	}
	return prepared, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("option"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DecodeOptions copies raw key/value options into the fields of dest tagged
// `option:"<key>"`, then runs the struct's validate tags. String, bool and
// int fields are supported.
func DecodeOptions(provider string, raw map[string]string, dest any) error {
	if dest == nil {
		for key, value := range raw {
			return &ValidationError{Provider: provider, Field: key, Value: value, Message: "unknown option"}
		}
		return nil
	}

	target := reflect.ValueOf(dest)
	if target.Kind() != reflect.Pointer || target.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("providers: options destination must be a struct pointer, got %T", dest)
	}
	target = target.Elem()
	fields := optionFields(target.Type())

	for key, value := range raw {
		index, ok := fields[strings.ToLower(strings.TrimSpace(key))]
		if !ok {
			return &ValidationError{Provider: provider, Field: key, Value: value, Message: "unknown option"}
		}
		field := target.Field(index)
		value = strings.TrimSpace(value)
		switch field.Kind() {
		case reflect.String:
			field.SetString(value)
		case reflect.Bool:
			parsed, err := strconv.ParseBool(value)
			if err != nil {
				return &ValidationError{Provider: provider, Field: key, Value: value, Message: "must be true or false"}
			}
			field.SetBool(parsed)
		case reflect.Int:
			parsed, err := strconv.Atoi(value)
			if err != nil {
				return &ValidationError{Provider: provider, Field: key, Value: value, Message: "must be an integer"}
			}
			field.SetInt(int64(parsed))
		default:
			return fmt.Errorf("providers: unsupported option field kind %s", field.Kind())
		}
	}

	if err := validate.Struct(dest); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &ValidationError{
				Provider: provider,
				Field:    fe.Field(),
				Value:    fmt.Sprint(fe.Value()),
				Message:  describeRule(fe),
			}
		}
		return err
	}
	return nil
}

func optionFields(t reflect.Type) map[string]int {
	fields := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		name := strings.SplitN(t.Field(i).Tag.Get("option"), ",", 2)[0]
		if name == "" || name == "-" {
			continue
		}
		fields[name] = i
	}
	return fields
}

func describeRule(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "len":
		return "must have length " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "ne":
		return "must not be " + fe.Param()
	case "alpha":
		return "must contain letters only"
	case "numeric":
		return "must be numeric"
	default:
		return "failed " + fe.Tag() + " check"
	}
}

// ParseDate reads a YYYY-MM-DD date; an empty value yields nil.
func ParseDate(field, value string) (*civil.Date, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	date, err := civil.ParseDate(value)
	if err != nil {
		return nil, &ValidationError{Field: field, Value: value, Message: "expected YYYY-MM-DD"}
	}
	return &date, nil
}
