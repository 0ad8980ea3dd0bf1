package openapi

import (
	"net/http"
	"strconv"

	"github.com/getkin/kin-openapi/openapi3"
)

const (
	schemeAPIKey = "apiKey"
	schemeBearer = "bearerAuth"
)

// Generate builds the OpenAPI 3.1 document describing the keygate HTTP API.
func Generate(baseURL, version string) *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "keygate API",
			Description: "API key issuance, per-key quota enforcement and currency conversion.",
			Version:     version,
		},
	}
	if baseURL != "" {
		doc.Servers = openapi3.Servers{{URL: baseURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = componentSchemas()
	components.SecuritySchemes = openapi3.SecuritySchemes{
		schemeAPIKey: &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type:        "apiKey",
				In:          "header",
				Name:        "X-API-Key",
				Description: "Key issued by POST /api/v1/keys.",
			},
		},
		schemeBearer: &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type:         "http",
				Scheme:       "bearer",
				BearerFormat: "JWT",
				Description:  "Owner token; the subject is the owner id.",
			},
		},
	}
	doc.Components = &components

	doc.Paths = openapi3.NewPaths()
	doc.Paths.Set("/api/v1/keys", &openapi3.PathItem{
		Post: withBody(&openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Issue an API key",
			Description: "Returns the plaintext key once. Only its hash is stored.",
			OperationID: "createKey",
			Security:    requires(schemeBearer),
			Responses:   newResponses(http.StatusCreated, "Key issued", componentRef("CreateKeyResponse"), nil, 400, 401, 429, 500),
		}, "CreateKeyRequest"),
		Get: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "List the owner's API keys",
			OperationID: "listKeys",
			Security:    requires(schemeBearer),
			Responses:   newResponses(http.StatusOK, "Keys, newest first", componentRef("ListKeysResponse"), nil, 401, 429, 500),
		},
	})
	doc.Paths.Set("/api/v1/keys/{keyId}", &openapi3.PathItem{
		Delete: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Deactivate an API key",
			Description: "The record is kept and marked inactive; later validations answer 403.",
			OperationID: "deactivateKey",
			Security:    requires(schemeBearer),
			Parameters: openapi3.Parameters{
				&openapi3.ParameterRef{Value: openapi3.NewPathParameter("keyId").
					WithSchema(scalarSchema(typeUUID))},
			},
			Responses: newResponses(http.StatusOK, "Key deactivated", componentRef("SuccessResponse"), nil, 401, 404, 429, 500),
		},
	})
	doc.Paths.Set("/api/v1/keys/validate", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Validate an API key",
			Description: "Consumes one request from the key's quota when the key is usable.",
			OperationID: "validateKey",
			Security:    requires(schemeAPIKey),
			Responses:   newValidateResponses(),
		},
	})
	doc.Paths.Set("/api/v1/convert", &openapi3.PathItem{
		Post: withBody(&openapi3.Operation{
			Tags:        []string{"convert"},
			Summary:     "Convert an amount between currencies",
			OperationID: "convertCurrency",
			Security:    requires(schemeAPIKey),
			Responses: newResponses(http.StatusOK, "Conversion result", componentRef("ConvertResponse"),
				quotaHeaders(), 400, 401, 403, 429, 500, 502),
		}, "ConvertRequest"),
	})
	doc.Paths.Set("/healthz", &openapi3.PathItem{Get: probeOperation("healthz", "Liveness probe")})
	doc.Paths.Set("/readyz", &openapi3.PathItem{Get: probeOperation("readyz", "Readiness probe; pings the key store")})

	return doc
}

func componentSchemas() openapi3.Schemas {
	return openapi3.Schemas{
		"ErrorResponse": objectSchema("Error envelope.",
			property{name: "error", typ: typeString, required: true},
			property{name: "rateLimitReset", typ: typeDateTime, description: "Present on 429 responses."},
		),
		"SuccessResponse": objectSchema("",
			property{name: "success", typ: typeBool, required: true},
		),
		"CreateKeyRequest": objectSchema("",
			property{name: "name", typ: typeString, required: true},
			property{name: "rateLimit", typ: typeInt, description: "Requests per window; 0 or absent selects the default."},
			property{name: "expiresInDays", typ: typeInt, description: "0 or absent means the key never expires."},
		),
		"KeyInfo": objectSchema("",
			property{name: "id", typ: typeUUID, required: true},
			property{name: "name", typ: typeString, required: true},
			property{name: "prefix", typ: typeString, required: true},
			property{name: "rateLimit", typ: typeInt, required: true},
			property{name: "expiresAt", typ: typeDateTime, nullable: true},
			property{name: "createdAt", typ: typeDateTime, required: true},
		),
		"CreateKeyResponse": objectSchema("",
			property{name: "apiKey", typ: typeString, required: true, description: "Plaintext key, shown only once."},
			property{name: "keyInfo", ref: "KeyInfo", required: true},
			property{name: "warning", typ: typeString, required: true},
		),
		"APIKey": objectSchema("Stored key metadata; never includes the key or its hash.",
			property{name: "id", typ: typeUUID, required: true},
			property{name: "key_prefix", typ: typeString, required: true},
			property{name: "name", typ: typeString, required: true},
			property{name: "is_active", typ: typeBool, required: true},
			property{name: "rate_limit", typ: typeInt, required: true},
			property{name: "request_count", typ: typeInt, required: true},
			property{name: "last_request_at", typ: typeDateTime, nullable: true},
			property{name: "expires_at", typ: typeDateTime, nullable: true},
			property{name: "created_at", typ: typeDateTime, required: true},
		),
		"ListKeysResponse": {
			Value: &openapi3.Schema{
				Type:       &openapi3.Types{"object"},
				Required:   []string{"keys"},
				Properties: openapi3.Schemas{"keys": arraySchema("APIKey")},
			},
		},
		"ValidatedKeyInfo": objectSchema("",
			property{name: "id", typ: typeUUID, required: true},
			property{name: "name", typ: typeString, required: true},
			property{name: "rateLimit", typ: typeInt, required: true},
			property{name: "requestsRemaining", typ: typeInt, required: true},
			property{name: "rateLimitReset", typ: typeDateTime, required: true},
		),
		"ValidateResponse": objectSchema("",
			property{name: "valid", typ: typeBool, required: true},
			property{name: "error", typ: typeString},
			property{name: "rateLimitReset", typ: typeDateTime, description: "Window end; rate-limited responses only."},
			property{name: "keyInfo", ref: "ValidatedKeyInfo"},
		),
		"ConvertRequest": objectSchema("",
			property{name: "from", typ: typeString, required: true, description: "ISO 4217 code."},
			property{name: "to", typ: typeString, required: true, description: "ISO 4217 code."},
			property{name: "amount", typ: typeNumber, required: true},
		),
		"ConvertResponse": objectSchema("",
			property{name: "from", typ: typeString, required: true},
			property{name: "to", typ: typeString, required: true},
			property{name: "amount", typ: typeNumber, required: true},
			property{name: "result", typ: typeNumber, required: true},
			property{name: "rate", typ: typeNumber, required: true},
			property{name: "timestamp", typ: typeDateTime, required: true},
		),
	}
}

func requires(scheme string) *openapi3.SecurityRequirements {
	return &openapi3.SecurityRequirements{{scheme: {}}}
}

func withBody(op *openapi3.Operation, component string) *openapi3.Operation {
	op.RequestBody = &openapi3.RequestBodyRef{
		Value: openapi3.NewRequestBody().
			WithRequired(true).
			WithJSONSchemaRef(componentRef(component)),
	}
	return op
}

var errorDescriptions = map[int]string{
	400: "Bad request",
	401: "Missing or invalid credentials",
	403: "Key inactive or expired",
	404: "Not found",
	429: "Rate limit exceeded",
	500: "Internal server error",
	502: "Exchange rate provider unavailable",
	503: "Not ready",
}

// newResponses builds a Responses map with a success response and the listed
// error responses. headers, when set, are attached to every response.
func newResponses(status int, description string, schema *openapi3.SchemaRef, headers openapi3.Headers, errorCodes ...int) *openapi3.Responses {
	responses := openapi3.NewResponses(openapi3.WithStatus(status, &openapi3.ResponseRef{
		Value: openapi3.NewResponse().
			WithDescription(description).
			WithContent(openapi3.NewContentWithJSONSchemaRef(schema)),
	}))
	if headers != nil {
		responses.Status(status).Value.Headers = headers
	}

	errorRef := componentRef("ErrorResponse")
	for _, code := range errorCodes {
		resp := openapi3.NewResponse().
			WithDescription(errorDescriptions[code]).
			WithContent(openapi3.NewContentWithJSONSchemaRef(errorRef))
		if headers != nil && code != 401 && code != 500 {
			resp.Headers = headers
		}
		responses.Set(strconv.Itoa(code), &openapi3.ResponseRef{Value: resp})
	}
	return responses
}

// newValidateResponses describes the validate endpoint, which answers every
// outcome with a ValidateResponse body and the gateway's status.
func newValidateResponses() *openapi3.Responses {
	ref := componentRef("ValidateResponse")
	responses := openapi3.NewResponses(openapi3.WithStatus(http.StatusOK, &openapi3.ResponseRef{
		Value: openapi3.NewResponse().
			WithDescription("Key admitted").
			WithContent(openapi3.NewContentWithJSONSchemaRef(ref)),
	}))
	responses.Status(http.StatusOK).Value.Headers = quotaHeaders()
	for _, code := range []int{401, 403, 429, 500} {
		resp := openapi3.NewResponse().
			WithDescription(errorDescriptions[code]).
			WithContent(openapi3.NewContentWithJSONSchemaRef(ref))
		if code == 403 || code == 429 {
			resp.Headers = quotaHeaders()
		}
		responses.Set(strconv.Itoa(code), &openapi3.ResponseRef{Value: resp})
	}
	return responses
}

func quotaHeaders() openapi3.Headers {
	header := func(desc string, m TypeMapping) *openapi3.HeaderRef {
		return &openapi3.HeaderRef{
			Value: &openapi3.Header{
				Parameter: openapi3.Parameter{
					Description: desc,
					Schema:      &openapi3.SchemaRef{Value: scalarSchema(m)},
				},
			},
		}
	}
	return openapi3.Headers{
		"X-RateLimit-Limit":     header("Requests allowed per window.", typeInt),
		"X-RateLimit-Remaining": header("Requests left in the current window.", typeInt),
		"X-RateLimit-Reset":     header("End of the current window, UTC with milliseconds.", typeDateTime),
		"Retry-After":           header("Seconds until the window resets; 429 responses only.", typeInt),
	}
}

func probeOperation(id, summary string) *openapi3.Operation {
	return &openapi3.Operation{
		Tags:        []string{"system"},
		Summary:     summary,
		OperationID: id,
		Security:    &openapi3.SecurityRequirements{},
		Responses: newResponses(http.StatusOK, "OK", objectSchema("",
			property{name: "status", typ: typeString, required: true},
		), nil, 503),
	}
}
