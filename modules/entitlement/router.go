package entitlement

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// TenantResolver extracts the authenticated tenant ID from a request. The
// host application owns authentication; this module only consumes the
// resolved identity.
type TenantResolver func(r *http.Request) (uuid.UUID, error)

// RouterOptions configures the entitlement HTTP surface.
type RouterOptions struct {
	// Tenant resolves the tenant for the dashboard endpoints. Required.
	Tenant TenantResolver

	// Admin guards the administrative endpoints (manual reset, sweep
	// trigger). Leaving it nil disables those routes entirely.
	Admin func(next http.Handler) http.Handler
}

// Router mounts the entitlement endpoints:
//
//	GET  /usage                   usage snapshot for the caller's tenant
//	POST /authorize               authorize a feature/usage request
//	POST /admin/reset/{tenantID}  manual usage reset (support override)
//	POST /admin/sweep             trigger one scheduled reset sweep
func Router(h *Handler, opts RouterOptions) chi.Router {
	if opts.Tenant == nil {
		panic("entitlement: TenantResolver is required")
	}

	r := chi.NewRouter()
	r.Get("/usage", h.usageSnapshot(opts.Tenant))
	r.Post("/authorize", h.authorize(opts.Tenant))

	if opts.Admin != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(opts.Admin)
			admin.Post("/reset/{tenantID}", h.adminReset())
			admin.Post("/sweep", h.adminSweep())
		})
	}

	return r
}
