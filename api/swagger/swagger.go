package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "User Guard API",
        "description": "Authentication abuse protection, session lifecycle and activity auditing",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "tags": [
        {"name": "Authentication", "description": "Login, token refresh and password flows"},
        {"name": "Activity", "description": "Activity log queries, statistics and export"},
        {"name": "Security", "description": "Abuse guard administration"},
        {"name": "Users", "description": "Administrative user changes"}
    ],
    "paths": {
        "/auth/login": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Authenticate user",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/LoginRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Invalid credentials", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "423": {"description": "Address blocked", "schema": {"$ref": "#/definitions/BlockedBody"}},
                    "429": {"description": "Too many attempts", "schema": {"$ref": "#/definitions/BlockedBody"}}
                }
            }
        },
        "/auth/refresh": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Rotate refresh token",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/RefreshTokenRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Session expired", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/auth/logout": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Revoke one refresh token",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/RefreshTokenRequest"}}
                ],
                "responses": {"204": {"description": "No Content"}}
            }
        },
        "/auth/logout-all": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Revoke every session of the caller",
                "security": [{"BearerAuth": []}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/auth/change-password": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Change password",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ChangePasswordRequest"}}
                ],
                "responses": {
                    "204": {"description": "No Content"},
                    "403": {"description": "Wrong current password", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/auth/forgot-password": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Request a password reset",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/ForgotPasswordRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "429": {"description": "Too many requests", "schema": {"$ref": "#/definitions/BlockedBody"}}
                }
            }
        },
        "/auth/me": {
            "get": {
                "tags": ["Authentication"],
                "summary": "Current user",
                "security": [{"BearerAuth": []}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/activity/me": {
            "get": {
                "tags": ["Activity"],
                "summary": "Own activity history",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"$ref": "#/parameters/page"},
                    {"$ref": "#/parameters/pageSize"},
                    {"$ref": "#/parameters/actions"},
                    {"$ref": "#/parameters/success"},
                    {"$ref": "#/parameters/dateFrom"},
                    {"$ref": "#/parameters/dateTo"},
                    {"$ref": "#/parameters/asOf"},
                    {"$ref": "#/parameters/cursor"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/admin/activity": {
            "get": {
                "tags": ["Activity"],
                "summary": "List all activity",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"$ref": "#/parameters/page"},
                    {"$ref": "#/parameters/pageSize"},
                    {"$ref": "#/parameters/actions"},
                    {"$ref": "#/parameters/success"},
                    {"$ref": "#/parameters/dateFrom"},
                    {"$ref": "#/parameters/dateTo"},
                    {"$ref": "#/parameters/asOf"},
                    {"$ref": "#/parameters/cursor"},
                    {"name": "search", "in": "query", "type": "string"},
                    {"name": "user_id", "in": "query", "type": "string"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/admin/activity/users/{id}": {
            "get": {
                "tags": ["Activity"],
                "summary": "Activity of one user",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"$ref": "#/parameters/page"},
                    {"$ref": "#/parameters/pageSize"},
                    {"$ref": "#/parameters/asOf"},
                    {"$ref": "#/parameters/cursor"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/admin/activity/stats": {
            "get": {
                "tags": ["Activity"],
                "summary": "Activity statistics",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"$ref": "#/parameters/dateFrom"},
                    {"$ref": "#/parameters/dateTo"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/admin/activity/export": {
            "get": {
                "tags": ["Activity"],
                "summary": "Export activity",
                "produces": ["text/csv", "application/json", "application/pdf"],
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "format", "in": "query", "type": "string", "enum": ["csv", "json", "pdf"]},
                    {"$ref": "#/parameters/actions"},
                    {"$ref": "#/parameters/dateFrom"},
                    {"$ref": "#/parameters/dateTo"}
                ],
                "responses": {"200": {"description": "File", "schema": {"type": "file"}}}
            }
        },
        "/admin/activity/cleanup": {
            "post": {
                "tags": ["Activity"],
                "summary": "Delete old activity",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/PurgeRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Invalid days or missing confirm", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/admin/security/rate-limits": {
            "get": {
                "tags": ["Security"],
                "summary": "Inspect a rate limit key",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "policy", "in": "query", "required": true, "type": "string", "enum": ["login", "password_reset", "ip"]},
                    {"name": "key", "in": "query", "required": true, "type": "string"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            },
            "delete": {
                "tags": ["Security"],
                "summary": "Lift a rate limit block",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/UnblockRequest"}}
                ],
                "responses": {"204": {"description": "No Content"}}
            }
        },
        "/admin/security/metrics": {
            "get": {
                "tags": ["Security"],
                "summary": "Security counters",
                "security": [{"BearerAuth": []}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}}
            }
        },
        "/admin/users/{id}/role": {
            "put": {
                "tags": ["Users"],
                "summary": "Update user role",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/UpdateRoleRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Unknown user", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "parameters": {
        "page": {"name": "page", "in": "query", "type": "integer"},
        "pageSize": {"name": "page_size", "in": "query", "type": "integer"},
        "actions": {"name": "actions", "in": "query", "type": "string", "description": "Comma separated actions"},
        "success": {"name": "success", "in": "query", "type": "boolean"},
        "dateFrom": {"name": "date_from", "in": "query", "type": "string", "format": "date-time"},
        "dateTo": {"name": "date_to", "in": "query", "type": "string", "format": "date-time"},
        "asOf": {"name": "as_of", "in": "query", "type": "string", "format": "date-time", "description": "Snapshot instant returned in meta.as_of"},
        "cursor": {"name": "cursor", "in": "query", "type": "string", "description": "pagination.next_cursor of the previous page"}
    },
    "definitions": {
        "LoginRequest": {
            "type": "object",
            "properties": {
                "email": {"type": "string"},
                "password": {"type": "string"}
            },
            "required": ["email", "password"]
        },
        "RefreshTokenRequest": {
            "type": "object",
            "properties": {
                "refresh_token": {"type": "string"}
            },
            "required": ["refresh_token"]
        },
        "ChangePasswordRequest": {
            "type": "object",
            "properties": {
                "old_password": {"type": "string"},
                "new_password": {"type": "string", "minLength": 8}
            },
            "required": ["old_password", "new_password"]
        },
        "ForgotPasswordRequest": {
            "type": "object",
            "properties": {
                "email": {"type": "string"}
            },
            "required": ["email"]
        },
        "PurgeRequest": {
            "type": "object",
            "properties": {
                "days": {"type": "integer", "minimum": 0, "maximum": 365},
                "confirm": {"type": "boolean"}
            },
            "required": ["days"]
        },
        "UnblockRequest": {
            "type": "object",
            "properties": {
                "policy": {"type": "string"},
                "key": {"type": "string"}
            },
            "required": ["policy", "key"]
        },
        "UpdateRoleRequest": {
            "type": "object",
            "properties": {
                "role": {"type": "string", "enum": ["SUPERADMIN", "ADMIN", "USER"]}
            },
            "required": ["role"]
        },
        "BlockedBody": {
            "type": "object",
            "properties": {
                "success": {"type": "boolean"},
                "message": {"type": "string"},
                "code": {"type": "string"},
                "retryAfter": {"type": "integer"}
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"},
                "next_cursor": {"type": "string"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"},
                "retryAfter": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
