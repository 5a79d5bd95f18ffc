// Package docs holds the generated Swagger spec served at /docs by
// gin-swagger, mirroring the admin HTTP API of spec §6.3.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "title": "{{.Title}}",
        "description": "{{.Description}}",
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/health": {
            "get": {
                "summary": "Liveness and database connectivity check",
                "responses": { "200": { "description": "ok" } }
            }
        },
        "/api/enqueue": {
            "post": {
                "summary": "Enqueue one provider ingest job",
                "responses": { "200": { "description": "ok" } }
            }
        },
        "/api/metrics": {
            "get": {
                "summary": "Worker poll-loop counters",
                "responses": { "200": { "description": "ok" } }
            }
        },
        "/api/pause": {
            "post": {
                "summary": "Pause dequeuing",
                "responses": { "200": { "description": "ok" } }
            }
        },
        "/api/resume": {
            "post": {
                "summary": "Resume dequeuing",
                "responses": { "200": { "description": "ok" } }
            }
        },
        "/api/logs": {
            "get": {
                "summary": "Recent worker log lines",
                "responses": { "200": { "description": "ok" } }
            }
        },
        "/api/status": {
            "get": {
                "summary": "Paused state and queue name",
                "responses": { "200": { "description": "ok" } }
            }
        },
        "/api/info": {
            "get": {
                "summary": "Queue and worker configuration",
                "responses": { "200": { "description": "ok" } }
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "game-ingest admin API",
	Description:      "Ingestion queue admin endpoints: enqueue, pause/resume, metrics, logs.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
