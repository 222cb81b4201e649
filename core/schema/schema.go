// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package schema validates request payloads against the embedded json schemas.
package schema

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// The schemas for request payloads
const (
	CustomerSchema       = "https://orderdesk.relabs.tech/schemas/customer.json"
	CustomerUpdateSchema = "https://orderdesk.relabs.tech/schemas/customer-update.json"
	OrderSchema          = "https://orderdesk.relabs.tech/schemas/order.json"
	NotificationSchema   = "https://orderdesk.relabs.tech/schemas/notification.json"
)

// Payloads lists the schemas the API validates request bodies with
var Payloads = []string{CustomerSchema, CustomerUpdateSchema, OrderSchema, NotificationSchema}

// ErrUnknownSchema is returned for a schema id the validator has not loaded
var ErrUnknownSchema = errors.New("unknown schema")

//go:embed schemas
var embedded embed.FS

// Validator validates json documents against compiled schemas, keyed by their $id
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// ValidationError is returned when a document does not match its schema
type ValidationError struct {
	SchemaID string
	Problems []string
}

func (e *ValidationError) Error() string {
	return "the document is not valid: " + strings.Join(e.Problems, "; ")
}

// Default returns a validator for the request payload schemas
func Default() (*Validator, error) {
	schemaFS, err := fs.Sub(embedded, "schemas")
	if err != nil {
		return nil, err
	}
	return Load(schemaFS)
}

// Load compiles every json file in the root of fsys into a schema. Json files in refs/
// are not schemas of their own but can be referenced with $ref.
func Load(fsys fs.FS) (*Validator, error) {
	refs, err := readJSON(fsys, "refs")
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	documents, err := readJSON(fsys, ".")
	if err != nil {
		return nil, err
	}

	v := &Validator{schemas: map[string]*gojsonschema.Schema{}}
	for name, document := range documents {
		var header struct {
			ID string `json:"$id"`
		}
		if err := json.Unmarshal(document, &header); err != nil {
			return nil, fmt.Errorf("schema: cannot parse %s: %w", name, err)
		}
		if header.ID == "" {
			return nil, fmt.Errorf("schema: %s has no $id", name)
		}
		if _, ok := v.schemas[header.ID]; ok {
			return nil, fmt.Errorf("schema: %s redefines %s", name, header.ID)
		}

		loader := gojsonschema.NewSchemaLoader()
		for refName, ref := range refs {
			if err := loader.AddSchemas(gojsonschema.NewBytesLoader(ref)); err != nil {
				return nil, fmt.Errorf("schema: cannot add reference %s: %w", refName, err)
			}
		}
		compiled, err := loader.Compile(gojsonschema.NewBytesLoader(document))
		if err != nil {
			return nil, fmt.Errorf("schema: cannot compile %s: %w", name, err)
		}
		v.schemas[header.ID] = compiled
	}
	return v, nil
}

// readJSON returns the content of all json files in dir, keyed by path
func readJSON(fsys fs.FS, dir string) (map[string][]byte, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	files := map[string][]byte{}
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".json" {
			continue
		}
		name := path.Join(dir, entry.Name())
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("schema: cannot read %s: %w", name, err)
		}
		files[name] = data
	}
	return files, nil
}

// Require returns ErrUnknownSchema if any of ids has not been loaded
func (v *Validator) Require(ids ...string) error {
	var missing []string
	for _, id := range ids {
		if _, ok := v.schemas[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSchema, strings.Join(missing, ", "))
	}
	return nil
}

// ValidateBytes validates a request body against schemaID. A body which does not
// match the schema, or is no json at all, yields a *ValidationError.
func (v *Validator) ValidateBytes(data []byte, schemaID string) error {
	schema, ok := v.schemas[schemaID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchema, schemaID)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return &ValidationError{SchemaID: schemaID, Problems: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	validationErr := &ValidationError{SchemaID: schemaID}
	for _, e := range result.Errors() {
		validationErr.Problems = append(validationErr.Problems, e.String())
	}
	return validationErr
}
