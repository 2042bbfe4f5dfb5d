/*
Package clients provides client libraries for the provisioning service's
HTTP APIs.

Two clients are included:

  - ProvisioningClient drives the operator-facing provisioning API:
    submitting provisioning jobs, polling job state, inspecting identities
    and certificate history, revoking certificates, and fetching the
    authority root.
  - AdminClient drives the admin API's master secret ceremonies: share
    generation and distribution, and recovery of a sealed authority.

# Usage

Provision a device and wait for the job to finish:

	client := &clients.ProvisioningClient{ServerAddr: "http://localhost:8080"}
	accepted, err := client.Provision(ctx, api.ProvisionRequest{
		CommonName:   "sensor-0042",
		ClientID:     "urn:dps:device:sensor-0042",
		Role:         "device",
		ValidityDays: 90,
	})
	if err != nil {
		return err
	}
	job, err := client.WaitForJob(ctx, accepted.JobID, time.Second)

Run a generation ceremony as one of the admins:

	admin := clients.NewAdminClient("http://localhost:8080/admin", "alice", key)
	_, err := admin.InitGenerate(3, 5)
	if err != nil {
		return err
	}
	share, err := admin.FetchShare()
	if err != nil {
		return err
	}
	plaintext, err := admin.DecryptShare(share)

Admin requests are authenticated by ECDSA signatures over the request path
and body; see api.CreateSignedAdminRequest for the exact construction.
*/
package clients
