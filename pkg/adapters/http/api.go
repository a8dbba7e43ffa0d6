package http

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/oapi-codegen/runtime"
)

//go:embed openapi.yaml
var rawSpec []byte

// maxBodySize bounds request bodies before schema validation.
const maxBodySize = 1 << 20

var loadSwagger = sync.OnceValues(func() (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(rawSpec)
	if err != nil {
		return nil, fmt.Errorf("load openapi spec: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("invalid openapi spec: %w", err)
	}
	return doc, nil
})

// GetSwagger returns the parsed gateway contract.
func GetSwagger() (*openapi3.T, error) {
	return loadSwagger()
}

// decodeBody reads a JSON body, validates it against the named component
// schema and decodes it into dest.
func decodeBody(w http.ResponseWriter, r *http.Request, schemaName string, dest any) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	doc, err := GetSwagger()
	if err != nil {
		return err
	}
	ref, ok := doc.Components.Schemas[schemaName]
	if !ok || ref.Value == nil {
		return fmt.Errorf("unknown schema %q", schemaName)
	}
	if err := ref.Value.VisitJSON(raw); err != nil {
		return fmt.Errorf("request does not match %s: %w", schemaName, err)
	}
	return json.Unmarshal(data, dest)
}

// pathRunID binds the {id} path parameter.
func pathRunID(value string) (string, error) {
	var id string
	err := runtime.BindStyledParameterWithOptions("simple", "id", value, &id, runtime.BindStyledParameterOptions{
		ParamLocation: runtime.ParamLocationPath,
		Explode:       false,
		Required:      true,
	})
	if err != nil {
		return "", fmt.Errorf("invalid format for parameter id: %w", err)
	}
	return id, nil
}

// EventsParams are the query parameters of the event stream.
type EventsParams struct {
	Since *int `form:"since,omitempty" json:"since,omitempty"`
}

func bindEventsParams(r *http.Request) (EventsParams, error) {
	var params EventsParams
	if err := runtime.BindQueryParameter("form", true, false, "since", r.URL.Query(), &params.Since); err != nil {
		return params, fmt.Errorf("invalid format for parameter since: %w", err)
	}
	if params.Since != nil && *params.Since < 0 {
		return params, fmt.Errorf("since must not be negative")
	}
	return params, nil
}
