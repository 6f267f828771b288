package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"bidreach/internal/domain"
	"bidreach/internal/engine"
	"bidreach/internal/engine/classify"
	"bidreach/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status  int
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"invalid bid request: zip_code required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

// New returns an HTTP handler exposing the Bidreach API. Webhook and
// status endpoints live at the root so providers can reach them without
// credentials; the operator surface sits under the base path behind the
// auth middleware.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the flat envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Bidreach API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(api)
	registerBidRequestWebhook(api, cfg.Engine)
	registerOutreachStatus(api, cfg.Engine)
	registerInboundWebhook(router, cfg.Engine)
	registerContractors(group, cfg.Engine)
	registerCampaigns(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var badReq domain.InvalidRequestError
	if errors.As(err, &badReq) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": badReq.Field})
	}
	var unknown domain.UnknownCampaignError
	if errors.As(err, &unknown) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	devLoginPath := path.Join(basePath, "auth/dev/login")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			// Root-level webhook/status endpoints and dev login stay open.
			if !strings.HasPrefix(route, basePath+"/") || route == devLoginPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Bidreach API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerBidRequestWebhook(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "bid-request-webhook",
		Method:      http.MethodPost,
		Path:        "/webhook/bid-request",
		Summary:     "Accept a bid request and open outreach campaigns",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body BidRequestBody `json:"body"`
	}) (*struct {
		Body BidRequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		res, err := e.ProcessBidRequest(ctx, engine.BidRequestOptions{
			ProjectID:      input.Body.ProjectID,
			ZipCode:        input.Body.ZipCode,
			ProjectType:    input.Body.ProjectType,
			ProjectDetails: input.Body.ProjectDetails,
			BidLink:        input.Body.BidLink,
			ActorID:        "webhook",
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BidRequestResponse `json:"body"`
		}{Body: BidRequestResponse{
			ProjectID:        res.ProjectID,
			ContractorsFound: len(res.Campaigns),
			Campaigns:        nonNilSlice(res.Campaigns),
			Message:          res.Message,
		}}, nil
	})
}

func registerOutreachStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "outreach-status",
		Method:      http.MethodGet,
		Path:        "/outreach/status/{project_id}",
		Summary:     "Aggregate outreach status for a project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		s, err := e.Status(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: statusResponse(s)}, nil
	})
}

// registerInboundWebhook handles provider callbacks directly on the router
// because Twilio posts form-encoded bodies, which Huma's JSON pipeline
// cannot accept. Unknown references answer 200 so providers stop retrying.
func registerInboundWebhook(r chi.Router, e engine.Engine) {
	r.Post("/webhook/inbound/{channel}", func(w http.ResponseWriter, req *http.Request) {
		ch := domain.Channel(chi.URLParam(req, "channel"))
		if !ch.Valid() {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unknown channel", map[string]any{"channel": string(ch)}))
			return
		}
		payload, err := decodeInbound(req)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil))
			return
		}
		res, err := e.RecordInbound(req.Context(), ch, payload, "webhook")
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(res)
	})
}

// decodeInbound accepts both JSON bodies and Twilio-style form posts.
func decodeInbound(req *http.Request) (classify.Payload, error) {
	ctype := req.Header.Get("Content-Type")
	if strings.HasPrefix(ctype, "application/json") {
		var body InboundBody
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			return classify.Payload{}, fmt.Errorf("invalid body: %w", err)
		}
		return classify.Payload{
			ProviderRef: body.ProviderRef,
			From:        body.From,
			Body:        body.Body,
			Status:      body.Status,
			Fields:      body.Fields,
		}, nil
	}
	if err := req.ParseForm(); err != nil {
		return classify.Payload{}, fmt.Errorf("invalid form body: %w", err)
	}
	return formPayload(req.PostForm), nil
}

// formPayload maps Twilio field names onto the classifier payload.
func formPayload(form url.Values) classify.Payload {
	p := classify.Payload{
		ProviderRef: firstFormValue(form, "MessageSid", "SmsSid", "CallSid"),
		From:        form.Get("From"),
		Body:        form.Get("Body"),
		Status:      firstFormValue(form, "MessageStatus", "SmsStatus", "CallStatus"),
	}
	fields := map[string]string{}
	if v := form.Get("ErrorCode"); v != "" {
		fields["error_code"] = v
	}
	if v := form.Get("AnsweredBy"); v != "" {
		fields["answered_by"] = v
	}
	if v := form.Get("Digits"); v != "" {
		fields["digits"] = v
	}
	if len(fields) > 0 {
		p.Fields = fields
	}
	return p
}

func firstFormValue(form url.Values, names ...string) string {
	for _, name := range names {
		if v := form.Get(name); v != "" {
			return v
		}
	}
	return ""
}

func registerContractors(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-contractors",
		Method:      http.MethodGet,
		Path:        "/contractors",
		Summary:     "List known contractors",
	}, func(ctx context.Context, input *struct {
		Zip             string `query:"zip"`
		IncludeArchived bool   `query:"include_archived"`
		Limit           int    `query:"limit" default:"50"`
	}) (*struct {
		Body []ContractorResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListContractors(ctx, repo.ContractorFilters{
			ZipCode:         input.Zip,
			IncludeArchived: input.IncludeArchived,
			IncludeOptedOut: true,
			Limit:           normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ContractorResponse, 0, len(items))
		for _, c := range items {
			out = append(out, contractorResponse(c))
		}
		return &struct {
			Body []ContractorResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerCampaigns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-campaigns",
		Method:      http.MethodGet,
		Path:        "/campaigns",
		Summary:     "List campaigns",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		State     string `query:"state" enum:"pending,in_progress,responded,exhausted,opted_out"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []CampaignResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListCampaigns(ctx, repo.CampaignFilters{
			ProjectID: input.ProjectID,
			State:     input.State,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]CampaignResponse, 0, len(items))
		for _, c := range items {
			out = append(out, campaignResponse(c, ""))
		}
		return &struct {
			Body []CampaignResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-campaign",
		Method:      http.MethodGet,
		Path:        "/campaigns/{campaign_id}",
		Summary:     "Campaign detail with attempt history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CampaignID string `path:"campaign_id"`
	}) (*struct {
		Body CampaignResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		c, err := e.Repo.GetCampaign(ctx, input.CampaignID)
		if err != nil {
			return nil, handleError(err)
		}
		attempts, err := e.Repo.ListAttempts(ctx, c.ID)
		if err != nil {
			return nil, handleError(err)
		}
		c.Attempts = attempts
		var name string
		if contractor, err := e.Repo.GetContractor(ctx, c.ContractorID); err == nil {
			name = contractor.Name
		}
		return &struct {
			Body CampaignResponse `json:"body"`
		}{Body: campaignResponse(c, name)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"bid_request,contractor,campaign,attempt,inbound"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
