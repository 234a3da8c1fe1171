package server

import "github.com/swaggo/swag"

// @title kansoku API
// @version 0.3
// @description Manage watched jobs and trigger change-detection runs.
// @BasePath /

// SwaggerInfo is served at /swagger/doc.json.
var SwaggerInfo = &swag.Spec{
	Version:          "0.3",
	BasePath:         "/",
	Title:            "kansoku API",
	Description:      "Manage watched jobs and trigger change-detection runs.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "{{.Title}}",
        "description": "{{escape .Description}}",
        "version": "{{.Version}}"
    },
    "basePath": "{{.BasePath}}",
    "paths": {
        "/jobs": {
            "get": {"tags": ["jobs"], "summary": "List jobs", "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/JobView"}}}}},
            "post": {"tags": ["jobs"], "summary": "Add a job", "consumes": ["application/json"], "produces": ["application/json"],
                "parameters": [{"in": "body", "name": "declaration", "required": true, "schema": {"type": "object"}}],
                "responses": {"201": {"description": "Created", "schema": {"$ref": "#/definitions/JobView"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/ErrorResponse"}}}}
        },
        "/jobs/{ref}": {
            "delete": {"tags": ["jobs"], "summary": "Delete a job and its cached data",
                "parameters": [{"in": "path", "name": "ref", "type": "string", "required": true}],
                "responses": {"204": {"description": "No Content"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/ErrorResponse"}}}}
        },
        "/jobs/{ref}/history": {
            "get": {"tags": ["jobs"], "summary": "Stored versions of a job", "produces": ["application/json"],
                "parameters": [{"in": "path", "name": "ref", "type": "string", "required": true},
                    {"in": "query", "name": "limit", "type": "integer"}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/HistoryResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/ErrorResponse"}}}}
        },
        "/runs": {
            "get": {"tags": ["runs"], "summary": "List runs, newest first", "produces": ["application/json"],
                "responses": {"200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/RunRecord"}}}}},
            "post": {"tags": ["runs"], "summary": "Start a run in the background", "consumes": ["application/json"], "produces": ["application/json"],
                "parameters": [{"in": "body", "name": "request", "schema": {"$ref": "#/definitions/StartRunRequest"}}],
                "responses": {"202": {"description": "Accepted", "schema": {"$ref": "#/definitions/RunRecord"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/ErrorResponse"}}}}
        },
        "/runs/{runID}": {
            "get": {"tags": ["runs"], "summary": "Get a run", "produces": ["application/json"],
                "parameters": [{"in": "path", "name": "runID", "type": "string", "required": true}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/RunRecord"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/ErrorResponse"}}}},
            "delete": {"tags": ["runs"], "summary": "Cancel a run",
                "parameters": [{"in": "path", "name": "runID", "type": "string", "required": true}],
                "responses": {"204": {"description": "No Content"},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/ErrorResponse"}}}}
        }
    },
    "definitions": {
        "JobView": {"type": "object", "properties": {
            "index": {"type": "integer"}, "guid": {"type": "string"}, "kind": {"type": "string"},
            "name": {"type": "string"}, "location": {"type": "string"}}},
        "HistoryResponse": {"type": "object", "properties": {
            "job": {"$ref": "#/definitions/JobView"},
            "versions": {"type": "array", "items": {"type": "object", "properties": {
                "version": {"type": "integer"}, "data": {"type": "string"}}}}}},
        "StartRunRequest": {"type": "object", "properties": {
            "jobs": {"type": "array", "items": {"type": "string"}}}},
        "RunRecord": {"type": "object", "properties": {
            "id": {"type": "string"}, "status": {"type": "string"}, "error": {"type": "string"},
            "jobs": {"type": "integer"}, "started_at": {"type": "string"}, "ended_at": {"type": "string"},
            "counts": {"type": "object", "additionalProperties": {"type": "integer"}},
            "results": {"type": "array", "items": {"type": "object"}}, "reported": {"type": "integer"}}},
        "ErrorResponse": {"type": "object", "properties": {"error": {"type": "string"}}}
    }
}`
