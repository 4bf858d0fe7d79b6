package v1

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
)

type HealthOutput struct {
	Body struct {
		Status string `json:"status" example:"ok"`
	}
}

type ReadinessOutput struct {
	Body struct {
		Status             string `json:"status" enum:"ready,starting"`
		EventPipelineReady bool   `json:"event_pipeline_ready"`
	}
}

// RegisterHealthRoutes adds the liveness and readiness probes. Readiness
// always answers 200 and reports pipeline state in the body.
func RegisterHealthRoutes(api huma.API, pipeline ReadinessChecker) {
	huma.Register(api, huma.Operation{
		OperationID: "healthz",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Application liveness probe",
		Tags:        []string{"Health"},
	}, func(_ context.Context, _ *struct{}) (*HealthOutput, error) {
		out := &HealthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "readyz",
		Method:      http.MethodGet,
		Path:        "/readyz",
		Summary:     "Application readiness probe",
		Tags:        []string{"Health"},
	}, func(_ context.Context, _ *struct{}) (*ReadinessOutput, error) {
		out := &ReadinessOutput{}
		out.Body.EventPipelineReady = pipeline.Ready()
		out.Body.Status = "starting"
		if out.Body.EventPipelineReady {
			out.Body.Status = "ready"
		}
		return out, nil
	})
}
