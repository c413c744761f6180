package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/itsmbridge/internal/tenant"
)

// Caller executes one upstream API call for the ambient tenant.
type Caller interface {
	Do(ctx context.Context, method, path string, body []byte) ([]byte, error)
}

// ScopeValidator answers whether a tenant's allowed scopes cover an
// operation.
type ScopeValidator interface {
	ValidateScope(ctx context.Context, tenantID uuid.UUID, required string) (bool, error)
}

// Toolset binds the ITSM tool surface to the upstream caller and the scope
// validator.
type Toolset struct {
	caller Caller
	scopes ScopeValidator
}

// NewToolset creates the ITSM toolset.
func NewToolset(caller Caller, scopes ScopeValidator) *Toolset {
	return &Toolset{caller: caller, scopes: scopes}
}

// RegisterAll registers every ITSM tool on the registry.
func (t *Toolset) RegisterAll(r *Registry) {
	r.MustRegister(ToolDefinition{
		Name:        "list_incidents",
		Description: "List incident requests from the ITSM instance. Optional list_info controls paging, sorting, and filters.",
		InputSchema: objectSchema(map[string]any{
			"list_info": map[string]any{"type": "object", "description": "Provider list_info block (row_count, start_index, sort_field, filter_by, ...)"},
		}, nil),
	}, t.listIncidents)

	r.MustRegister(ToolDefinition{
		Name:        "get_incident",
		Description: "Fetch a single incident request by id.",
		InputSchema: objectSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Request id"},
		}, []string{"id"}),
	}, t.getIncident)

	r.MustRegister(ToolDefinition{
		Name:        "create_incident",
		Description: "Create an incident request. The request object is passed to the provider unchanged.",
		InputSchema: objectSchema(map[string]any{
			"request": map[string]any{"type": "object", "description": "Provider request body (subject, description, requester, ...)"},
		}, []string{"request"}),
	}, t.createIncident)

	r.MustRegister(ToolDefinition{
		Name:        "update_incident",
		Description: "Update an incident request by id. The request object is passed to the provider unchanged.",
		InputSchema: objectSchema(map[string]any{
			"id":      map[string]any{"type": "string", "description": "Request id"},
			"request": map[string]any{"type": "object", "description": "Fields to update"},
		}, []string{"id", "request"}),
	}, t.updateIncident)

	r.MustRegister(ToolDefinition{
		Name:        "search_requests",
		Description: "Search requests using provider search criteria.",
		InputSchema: objectSchema(map[string]any{
			"search_criterias": map[string]any{"description": "Provider search_criterias block (field, condition, value[s])"},
			"row_count":        map[string]any{"type": "integer", "description": "Maximum rows to return"},
		}, []string{"search_criterias"}),
	}, t.searchRequests)

	r.MustRegister(ToolDefinition{
		Name:        "get_asset",
		Description: "Fetch a single asset by id.",
		InputSchema: objectSchema(map[string]any{
			"id": map[string]any{"type": "string", "description": "Asset id"},
		}, []string{"id"}),
	}, t.getAsset)
}

func objectSchema(props map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// requireScope checks the ambient tenant's scopes before any upstream work.
func (t *Toolset) requireScope(ctx context.Context, required string) error {
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}

	ok, err := t.scopes.ValidateScope(ctx, tc.TenantID, required)
	if err != nil {
		return err
	}
	if !ok {
		// Denials are part of the security audit trail, not just agent
		// feedback.
		log.Warn().
			Str("tenantId", tc.TenantID.String()).
			Str("tenant", tc.Name).
			Str("requiredScope", required).
			Msg("scope denied")
		return &GatewayError{
			Code:    KindPermissionDenied,
			Message: fmt.Sprintf("tenant is not authorized for %s", required),
		}
	}
	return nil
}

func (t *Toolset) listIncidents(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if err := t.requireScope(ctx, "ITSM.Requests.READ"); err != nil {
		return nil, err
	}

	var params struct {
		ListInfo json.RawMessage `json:"list_info"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return nil, NewGatewayError(KindValidationError, "invalid arguments: "+err.Error())
		}
	}

	path := "/api/v3/requests"
	if len(params.ListInfo) > 0 {
		path += "?input_data=" + inputData(map[string]json.RawMessage{"list_info": params.ListInfo})
	}

	body, err := t.caller.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (t *Toolset) getIncident(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if err := t.requireScope(ctx, "ITSM.Requests.READ"); err != nil {
		return nil, err
	}

	id, err := requiredID(args, "id")
	if err != nil {
		return nil, err
	}

	body, err := t.caller.Do(ctx, http.MethodGet, "/api/v3/requests/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (t *Toolset) createIncident(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if err := t.requireScope(ctx, "ITSM.Requests.CREATE"); err != nil {
		return nil, err
	}

	var params struct {
		Request json.RawMessage `json:"request"`
	}
	if err := json.Unmarshal(args, &params); err != nil || len(params.Request) == 0 {
		return nil, NewGatewayError(KindValidationError, "request object is required")
	}

	payload, _ := json.Marshal(map[string]json.RawMessage{"request": params.Request})
	body, err := t.caller.Do(ctx, http.MethodPost, "/api/v3/requests", payload)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (t *Toolset) updateIncident(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if err := t.requireScope(ctx, "ITSM.Requests.UPDATE"); err != nil {
		return nil, err
	}

	var params struct {
		ID      string          `json:"id"`
		Request json.RawMessage `json:"request"`
	}
	if err := json.Unmarshal(args, &params); err != nil || params.ID == "" || len(params.Request) == 0 {
		return nil, NewGatewayError(KindValidationError, "id and request object are required")
	}

	payload, _ := json.Marshal(map[string]json.RawMessage{"request": params.Request})
	body, err := t.caller.Do(ctx, http.MethodPut, "/api/v3/requests/"+url.PathEscape(params.ID), payload)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (t *Toolset) searchRequests(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if err := t.requireScope(ctx, "ITSM.Requests.READ"); err != nil {
		return nil, err
	}

	var params struct {
		SearchCriterias json.RawMessage `json:"search_criterias"`
		RowCount        int             `json:"row_count"`
	}
	if err := json.Unmarshal(args, &params); err != nil || len(params.SearchCriterias) == 0 {
		return nil, NewGatewayError(KindValidationError, "search_criterias is required")
	}

	listInfo := map[string]any{"search_criterias": params.SearchCriterias}
	if params.RowCount > 0 {
		listInfo["row_count"] = params.RowCount
	}
	listInfoJSON, _ := json.Marshal(listInfo)

	path := "/api/v3/requests?input_data=" + inputData(map[string]json.RawMessage{"list_info": listInfoJSON})
	body, err := t.caller.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (t *Toolset) getAsset(ctx context.Context, args json.RawMessage) (interface{}, error) {
	if err := t.requireScope(ctx, "ITSM.Assets.READ"); err != nil {
		return nil, err
	}

	id, err := requiredID(args, "id")
	if err != nil {
		return nil, err
	}

	body, err := t.caller.Do(ctx, http.MethodGet, "/api/v3/assets/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func requiredID(args json.RawMessage, field string) (string, error) {
	var params map[string]json.RawMessage
	if err := json.Unmarshal(args, &params); err != nil {
		return "", NewGatewayError(KindValidationError, "invalid arguments: "+err.Error())
	}

	var id string
	if raw, ok := params[field]; ok {
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", NewGatewayError(KindValidationError, field+" must be a string")
		}
	}
	if id == "" {
		return "", NewGatewayError(KindValidationError, field+" is required")
	}
	return id, nil
}

// inputData URL-encodes the provider's input_data query parameter.
func inputData(fields map[string]json.RawMessage) string {
	payload, _ := json.Marshal(fields)
	return url.QueryEscape(string(payload))
}
