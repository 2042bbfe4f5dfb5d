/*
Package httpserver implements the HTTP server of the device provisioning
service.

It serves the operator-facing provisioning API, the admin API for master
secret ceremonies, and the operational endpoints (health, drain, pprof) on
one listener, with Prometheus metrics on a second one.

The package includes two main components:

 1. Provisioning API - Submitting and tracking provisioning jobs, fleet
    inventory queries, revocation, and the authority root.
 2. Admin API - Bootstrap ceremonies for a sealed certificate authority
    using Shamir's Secret Sharing.

# Provisioning API Endpoints

  - POST /api/v1/provision - Accept a provisioning request, returns the job ID
  - GET /api/v1/jobs/{job_id} - Provisioning job state
  - GET /api/v1/identities?role={role} - Active identities holding a role
  - GET /api/v1/identities/{common_name} - Identity with certificate history
  - POST /api/v1/certificates/{serial}/revoke - Revoke by serial number
  - GET /api/v1/ca - Authority root certificate (PEM)
  - GET /livez - Liveness check
  - GET /readyz - Readiness check
  - POST /drain - Gracefully mark server as not ready
  - POST /undrain - Mark server as ready

Errors are returned as JSON bodies with a human-readable message and a
stable kind: invalid input maps to 400, unknown names to 404, an identity
with a job already in flight to 409, a sealed authority to 503, and store
faults to 500.

# Admin API Endpoints

  - GET /admin/status - Current ceremony status
  - POST /admin/init/generate - Generate master secret and prepare shares
  - POST /admin/init/recover - Start recovery on a sealed authority
  - POST /admin/share - Submit a share during recovery
  - GET /admin/share - Retrieve this admin's encrypted share

# Sealed Startup

A deployment whose authority derives its key from a Shamir-split master
secret starts sealed: provisioning and the CA endpoint answer 503 while
revocation and all read endpoints keep working. The service becomes fully
operational once admins complete a ceremony through the admin API.

	handler := httpserver.NewHandler(orch, store, auth, logger)
	admin := httpserver.NewAdminHandler(auth, caSubject, adminKeys, logger)

	server, err := httpserver.New(cfg, handler, admin)
	if err != nil {
		return err
	}
	server.RunInBackground()

	// Hold provisioning traffic until the ceremony finishes.
	if err := admin.WaitForBootstrap(ctx); err != nil {
		return err
	}
	defer server.Shutdown()

Deployments that load or derive their authority key at startup pass a nil
admin handler and are operational immediately.
*/
package httpserver
