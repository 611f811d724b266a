package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Validator is shared by all handlers; field names are reported by their JSON tag.
var Validator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonName)
	return v
}

func jsonName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}

// Detail is one entry of a schema error response.
type Detail struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

// SchemaError reports why a request body did not match its schema.
type SchemaError struct {
	Details []Detail
}

func (e *SchemaError) Error() string {
	msgs := make([]string, len(e.Details))
	for i, d := range e.Details {
		msgs[i] = strings.Join(d.Loc, ".") + ": " + d.Msg
	}
	return strings.Join(msgs, "; ")
}

// BindJSON decodes the body into dst (at most maxBytes) and validates it.
// Schema problems come back as *SchemaError; an oversized body as
// *http.MaxBytesError.
func BindJSON(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) error {
	body := io.Reader(r.Body)
	if maxBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	dec := json.NewDecoder(body)
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return decodeError(err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return maxErr
		}
		return &SchemaError{Details: []Detail{{Loc: []string{"body"}, Msg: "JSON decode error: unexpected data after the top-level value", Type: "json_invalid"}}}
	}
	if err := json.Unmarshal(exactKeys(raw, dst), dst); err != nil {
		return decodeError(err)
	}
	if err := Validator.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fieldErrors(verrs)
		}
		return err
	}
	return nil
}

// exactKeys drops object keys that name a field of dst only up to case, so
// "IMAGE_URL" does not bind to image_url.
func exactKeys(raw json.RawMessage, dst any) json.RawMessage {
	t := reflect.TypeOf(dst)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return raw
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return raw
	}

	names := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if name := jsonName(t.Field(i)); name != "" {
			names[name] = true
		}
	}
	dropped := false
	for key := range obj {
		if names[key] {
			continue
		}
		for name := range names {
			if strings.EqualFold(key, name) {
				delete(obj, key)
				dropped = true
				break
			}
		}
	}
	if !dropped {
		return raw
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return out
}

func decodeError(err error) error {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
		maxErr    *http.MaxBytesError
	)
	switch {
	case errors.As(err, &maxErr):
		return maxErr
	case errors.Is(err, io.EOF):
		return &SchemaError{Details: []Detail{{Loc: []string{"body"}, Msg: "Field required", Type: "missing"}}}
	case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
		return &SchemaError{Details: []Detail{{Loc: []string{"body"}, Msg: "JSON decode error: " + err.Error(), Type: "json_invalid"}}}
	case errors.As(err, &typeErr):
		loc := []string{"body"}
		if typeErr.Field != "" {
			loc = append(loc, strings.Split(typeErr.Field, ".")...)
		}
		kind := typeErr.Type.Kind().String()
		if typeErr.Type.Kind() == reflect.Struct {
			kind = "object"
		}
		return &SchemaError{Details: []Detail{{
			Loc:  loc,
			Msg:  fmt.Sprintf("Input should be a valid %s", kind),
			Type: kind + "_type",
		}}}
	default:
		return &SchemaError{Details: []Detail{{Loc: []string{"body"}, Msg: err.Error(), Type: "json_invalid"}}}
	}
}

func fieldErrors(verrs validator.ValidationErrors) *SchemaError {
	details := make([]Detail, 0, len(verrs))
	for _, fe := range verrs {
		loc := append([]string{"body"}, strings.Split(fe.Namespace(), ".")[1:]...)
		d := Detail{Loc: loc, Msg: fe.Error(), Type: fe.Tag()}
		if fe.Tag() == "required" {
			d.Msg, d.Type = "Field required", "missing"
		}
		details = append(details, d)
	}
	return &SchemaError{Details: details}
}

// ValidationError writes a 422 for schema errors and a 413 for oversized bodies.
func ValidationError(log *slog.Logger, w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		Fail(log, w, fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit), err, http.StatusRequestEntityTooLarge)
		return
	}
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		schemaErr = &SchemaError{Details: []Detail{{Loc: []string{"body"}, Msg: err.Error(), Type: "value_error"}}}
	}
	log.Warn("invalid request body", "err", schemaErr)
	WriteJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": schemaErr.Details})
}
