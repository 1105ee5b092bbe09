// Package openapi builds the OpenAPI document served at /openapi.json.
package openapi

import (
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
)

type param struct {
	name, in, description, typ string
	required                   bool
}

type route struct {
	method      string
	path        string
	operationID string
	tag         string
	summary     string
	params      []param
	body        string
	status      string
	response    *openapi3.SchemaRef
	remote      bool
}

var (
	keyID       = param{name: "keyId", in: "path", description: "Local auth key ID.", typ: "string", required: true}
	userID      = param{name: "userId", in: "path", description: "User ID.", typ: "string", required: true}
	limitParam  = param{name: "limit", in: "query", description: "Maximum records to return (1-1000).", typ: "integer"}
	userIDQuery = param{name: "user_id", in: "query", description: "Only records owned by this user.", typ: "string"}
)

func routes() []route {
	return []route{
		{method: http.MethodGet, path: "/api/v1/keys", operationID: "listKeys", tag: "keys",
			summary: "List stored auth keys",
			params: []param{userIDQuery, {name: "active", in: "query", description: "Only active keys.", typ: "boolean"}, limitParam},
			status: "200", response: listOf("AuthKey")},
		{method: http.MethodPost, path: "/api/v1/keys", operationID: "issueKey", tag: "keys",
			summary: "Issue a new auth key", body: "IssueKeyRequest",
			status: "201", response: ref("AuthKey"), remote: true},
		{method: http.MethodGet, path: "/api/v1/keys/{keyId}", operationID: "getKey", tag: "keys",
			summary: "Get a stored auth key", params: []param{keyID},
			status: "200", response: ref("AuthKey")},
		{method: http.MethodPost, path: "/api/v1/keys/{keyId}/revoke", operationID: "revokeKey", tag: "keys",
			summary: "Revoke an auth key", params: []param{keyID},
			status: "200", response: ref("AuthKey"), remote: true},
		{method: http.MethodGet, path: "/api/v1/keys/{keyId}/secret", operationID: "revealKey", tag: "keys",
			summary: "Reveal the plaintext of a key (requires server.allow_reveal)", params: []param{keyID},
			status: "200", response: ref("KeySecret")},
		{method: http.MethodPost, path: "/api/v1/keys/rotate", operationID: "rotateKeys", tag: "rotation",
			summary: "Queue an immediate rotation sweep",
			status: "202", response: ref("RotationQueued")},
		{method: http.MethodGet, path: "/api/v1/rotation", operationID: "rotationStatus", tag: "rotation",
			summary: "Outcome of the most recent rotation sweep",
			status: "200", response: ref("RotationStatus")},
		{method: http.MethodGet, path: "/api/v1/keys/remote", operationID: "listRemoteKeys", tag: "control plane",
			summary: "List keys known to the control plane",
			status: "200", response: listOf("RemoteKey"), remote: true},
		{method: http.MethodGet, path: "/api/v1/keys/remote/{remoteKeyId}", operationID: "getRemoteKey", tag: "control plane",
			summary: "Get one key from the control plane",
			params: []param{{name: "remoteKeyId", in: "path", description: "Control plane key ID.", typ: "string", required: true}},
			status: "200", response: ref("RemoteKeyDetail"), remote: true},
		{method: http.MethodGet, path: "/api/v1/agent/key", operationID: "agentKey", tag: "keys",
			summary: "Current key of an owner scope in plaintext (requires server.allow_reveal)",
			params: []param{
				{name: "user_id", in: "query", description: "Owner user ID.", typ: "string", required: true},
				{name: "machine_id", in: "query", description: "Owner machine ID; omit for user-wide keys.", typ: "string"},
			},
			status: "200", response: ref("KeySecret")},
		{method: http.MethodGet, path: "/api/v1/devices", operationID: "listDevices", tag: "control plane",
			summary: "List devices enrolled in the tailnet",
			status: "200", response: listOf("Device"), remote: true},
		{method: http.MethodGet, path: "/api/v1/users", operationID: "listUsers", tag: "directory",
			summary: "List users", status: "200", response: listOf("User")},
		{method: http.MethodPost, path: "/api/v1/users", operationID: "createUser", tag: "directory",
			summary: "Create a user", body: "CreateUserRequest", status: "201", response: ref("User")},
		{method: http.MethodGet, path: "/api/v1/users/{userId}", operationID: "getUser", tag: "directory",
			summary: "Get a user", params: []param{userID}, status: "200", response: ref("User")},
		{method: http.MethodGet, path: "/api/v1/users/{userId}/machines", operationID: "listMachines", tag: "directory",
			summary: "List a user's machines", params: []param{userID}, status: "200", response: listOf("Machine")},
		{method: http.MethodPost, path: "/api/v1/users/{userId}/machines", operationID: "createMachine", tag: "directory",
			summary: "Enroll a machine for a user", params: []param{userID}, body: "CreateMachineRequest",
			status: "201", response: ref("Machine")},
		{method: http.MethodGet, path: "/api/v1/events", operationID: "listEvents", tag: "audit",
			summary: "List audit events, newest first",
			params: []param{
				userIDQuery,
				{name: "key_id", in: "query", description: "Only events of this key.", typ: "string"},
				{name: "type", in: "query", description: "KEY_CREATED, KEY_ROTATED or KEY_REVOKED.", typ: "string"},
				limitParam,
			},
			status: "200", response: listOf("Event")},
	}
}

// Generate builds the OpenAPI 3.1 document for the keyfleet HTTP API.
func Generate(baseURL, version string) (*openapi3.T, error) {
	schemas, err := componentSchemas()
	if err != nil {
		return nil, err
	}

	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "keyfleet API",
			Description: "Issue, rotate and revoke tailnet auth keys.",
			Version:     version,
		},
		Paths: openapi3.NewPaths(),
	}
	if baseURL != "" {
		doc.Servers = openapi3.Servers{{URL: baseURL}}
	}
	components := openapi3.NewComponents()
	components.Schemas = schemas
	doc.Components = &components

	for _, rt := range routes() {
		doc.AddOperation(rt.path, rt.method, operation(rt))
	}
	return doc, nil
}

func operation(rt route) *openapi3.Operation {
	op := &openapi3.Operation{
		Tags:        []string{rt.tag},
		Summary:     rt.summary,
		OperationID: rt.operationID,
		Responses:   newResponses(rt.status, rt.summary, rt.response, rt.remote),
	}
	for _, p := range rt.params {
		var prm *openapi3.Parameter
		if p.in == "path" {
			prm = openapi3.NewPathParameter(p.name)
		} else {
			prm = openapi3.NewQueryParameter(p.name)
			prm.Required = p.required
		}
		prm.Description = p.description
		prm.Schema = &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{p.typ}}}
		op.Parameters = append(op.Parameters, &openapi3.ParameterRef{Value: prm})
	}
	if rt.body != "" {
		op.RequestBody = &openapi3.RequestBodyRef{
			Value: openapi3.NewRequestBody().
				WithRequired(true).
				WithJSONSchemaRef(ref(rt.body)),
		}
	}
	return op
}

// newResponses builds a Responses map with a success response and the
// error responses every route can produce. Routes that call the control
// plane also document 502 and 504.
func newResponses(statusCode, description string, schema *openapi3.SchemaRef, remote bool) *openapi3.Responses {
	responses := openapi3.NewResponses()
	responses.Set(statusCode, &openapi3.ResponseRef{
		Value: openapi3.NewResponse().
			WithDescription(description).
			WithContent(openapi3.NewContentWithJSONSchemaRef(schema)),
	})

	errs := map[int]string{
		http.StatusBadRequest:          "Bad request",
		http.StatusNotFound:            "Not found",
		http.StatusInternalServerError: "Internal server error",
	}
	if remote {
		errs[http.StatusBadGateway] = "Control plane rejected the request"
		errs[http.StatusGatewayTimeout] = "Control plane unreachable"
	}
	for code, desc := range errs {
		responses.Set(fmt.Sprint(code), &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription(desc).
				WithContent(openapi3.NewContentWithJSONSchemaRef(ref("ErrorResponse"))),
		})
	}
	return responses
}
