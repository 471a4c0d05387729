/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:      Unique ID per request for tracing
  2. RequestLogger:  httplog structured access log (ECS schema)
  3. Recoverer:      Panic recovery (500 instead of crash)
  4. CORS:           Cross-origin requests for a frontend
  5. Heartbeat:      GET /healthz for load balancers

ROUTE GROUPS:
  /api/employees/*        Employee master and per-employee leave
  /api/leave/*            Leave catalog, request decisions, cycle
  /api/payruns/*          Pay run lifecycle and payslips
  /api/terminations/*     Termination settlement
  /api/filings/*          Monthly employer filings
  /api/reconciliations/*  Tax year reconciliations
  /api/audit              Audit log query
  /api/scenarios/*        Demo scenarios (resets data)

SECURITY NOTE:
  No authentication middleware. The X-Actor-ID header is trusted as-is.
*/
package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v3"
)

type RouterOptions struct {
	Logger      *slog.Logger
	CORSOrigins []string
	// Scenarios mounts the demo scenario and reset endpoints.
	Scenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = h.Logger
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(httplog.RequestLogger(logger, &httplog.Options{
		Level:  slog.LevelInfo,
		Schema: httplog.SchemaECS,
	}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.Heartbeat("/healthz"))

	r.Route("/api", func(r chi.Router) {
		r.Route("/employees", func(r chi.Router) {
			r.Get("/", h.ListEmployees)
			r.Post("/", h.SaveEmployee)
			r.Get("/{id}", h.GetEmployee)
			r.Put("/{id}", h.SaveEmployee)

			r.Route("/{id}/leave", func(r chi.Router) {
				r.Get("/balances", h.ListBalances)
				r.Get("/balances/{type}", h.GetBalance)
				r.Get("/balances/{type}/history", h.GetLeaveHistory)
				r.Get("/requests", h.ListLeaveRequests)
				r.Post("/requests", h.SubmitLeaveRequest)
				r.Post("/accrue", h.AccrueLeave)
				r.Post("/adjustments", h.AdjustLeave)
			})
		})

		r.Route("/leave", func(r chi.Router) {
			r.Get("/types", h.ListLeaveTypes)
			r.Post("/cycle", h.RunLeaveCycle)
			r.Get("/requests/{id}", h.GetLeaveRequest)
			r.Post("/requests/{id}/approve", h.ApproveLeaveRequest)
			r.Post("/requests/{id}/reject", h.RejectLeaveRequest)
			r.Post("/requests/{id}/cancel", h.CancelLeaveRequest)
		})

		r.Route("/payruns", func(r chi.Router) {
			r.Get("/", h.ListPayRuns)
			r.Post("/", h.CreatePayRun)
			r.Get("/{id}", h.GetPayRun)
			r.Delete("/{id}", h.DeletePayRun)
			r.Put("/{id}/inputs/{employeeID}", h.SetEmployeeInputs)
			r.Post("/{id}/calculate", h.CalculatePayRun)
			r.Post("/{id}/finalize", h.FinalizePayRun)
			r.Get("/{id}/payslips", h.ListPayslips)
			r.Get("/{id}/payslips/{employeeID}", h.GetPayslip)
			r.Patch("/{id}/payslips/{employeeID}", h.UpdatePayslip)
		})

		r.Route("/terminations", func(r chi.Router) {
			r.Get("/", h.ListTerminations)
			r.Post("/", h.CreateTermination)
			r.Get("/{id}", h.GetTermination)
			r.Post("/{id}/submit", h.SubmitTermination)
			r.Get("/{id}/settlement", h.GetSettlement)
			r.Post("/{id}/deductions/skip", h.SkipTerminationDeduction)
			r.Put("/{id}/deductions", h.SetTerminationDeductions)
			r.Post("/{id}/finalize", h.FinalizeTermination)
		})

		r.Route("/filings", func(r chi.Router) {
			r.Get("/", h.ListFilings)
			r.Post("/", h.BuildFiling)
			r.Get("/{id}", h.GetFiling)
			r.Get("/{id}/export", h.ExportFiling)
			r.Post("/{id}/ready", h.MarkFilingReady)
			r.Post("/{id}/submit", h.SubmitFiling)
			r.Post("/{id}/accept", h.AcceptFiling)
			r.Post("/{id}/reject", h.RejectFiling)
		})

		r.Route("/reconciliations", func(r chi.Router) {
			r.Get("/", h.ListReconciliations)
			r.Post("/", h.GenerateReconciliation)
			r.Get("/{id}", h.GetReconciliation)
			r.Post("/{id}/submit", h.SubmitReconciliation)
		})

		r.Get("/audit", h.QueryAudit)

		if opts.Scenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
				r.Post("/reset", h.ResetDatabase)
			})
		}
	})

	return r
}
