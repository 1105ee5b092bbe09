package openapi

import (
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3gen"

	"github.com/keyfleet/keyfleet/internal/controlplane"
	"github.com/keyfleet/keyfleet/internal/model"
	"github.com/keyfleet/keyfleet/internal/scheduler"
	"github.com/keyfleet/keyfleet/internal/service"
)

// authKeyView is the wire shape of a stored key: the record plus its
// derived state.
type authKeyView struct {
	model.AuthKey
	State model.KeyState `json:"state"`
}

type secretView struct {
	KeyID     string `json:"key_id"`
	Key       string `json:"key"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

type createUserBody struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
}

type createMachineBody struct {
	Hostname       string `json:"hostname"`
	RemoteDeviceID string `json:"remote_device_id,omitempty"`
}

type rotateView struct {
	Queued  bool   `json:"queued"`
	Message string `json:"message"`
}

// componentTypes lists the Go values whose JSON shape is published under
// #/components/schemas.
var componentTypes = []struct {
	name  string
	value interface{}
}{
	{"AuthKey", authKeyView{}},
	{"IssueKeyRequest", service.IssueKeyRequest{}},
	{"KeySecret", secretView{}},
	{"Event", model.Event{}},
	{"User", model.User{}},
	{"CreateUserRequest", createUserBody{}},
	{"Machine", model.Machine{}},
	{"CreateMachineRequest", createMachineBody{}},
	{"RemoteKey", controlplane.KeySummary{}},
	{"RemoteKeyDetail", controlplane.KeyDetail{}},
	{"Device", controlplane.Device{}},
	{"RotationStatus", scheduler.Status{}},
	{"RotationQueued", rotateView{}},
}

// componentSchemas derives one schema per entry of componentTypes from the
// types' json tags.
func componentSchemas() (openapi3.Schemas, error) {
	schemas := openapi3.Schemas{}
	for _, c := range componentTypes {
		ref, err := openapi3gen.NewSchemaRefForValue(c.value, schemas)
		if err != nil {
			return nil, fmt.Errorf("schema for %s: %w", c.name, err)
		}
		schemas[c.name] = ref
	}
	schemas["ErrorResponse"] = errorResponseSchema()
	return schemas, nil
}

func errorResponseSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"error": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type: &openapi3.Types{"object"},
						Properties: openapi3.Schemas{
							"code":    &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}},
							"message": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
							"context": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
						},
					},
				},
			},
		},
	}
}

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

// listOf wraps a component in the {"resource": [...], "meta": {...}} envelope.
func listOf(name string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"resource": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type:  &openapi3.Types{"array"},
						Items: ref(name),
					},
				},
				"meta": metaSchema(),
			},
		},
	}
}

// metaSchema returns the schema for the "meta" field in list responses.
func metaSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: openapi3.Schemas{
				"count": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type:        &openapi3.Types{"integer"},
						Format:      "int64",
						Description: "Number of records returned.",
					},
				},
				"limit": &openapi3.SchemaRef{
					Value: &openapi3.Schema{
						Type:        &openapi3.Types{"integer"},
						Format:      "int32",
						Description: "Maximum records returned.",
					},
				},
			},
		},
	}
}
