// Package distribution delivers issued credential artifacts to their
// targets. Every adapter satisfies the same Push contract; transient
// delivery failures wrap ErrTransport so the orchestrator retries them,
// anything else is a permanent defect surfaced to the operator.
package distribution

import (
	"fmt"

	"github.com/ALLTERCO/device-provisioning-service/interfaces"
)

// validateArtifacts rejects sets whose public material does not parse.
// Catching a malformed PEM here keeps a permanent defect out of the retry
// loop.
func validateArtifacts(artifacts interfaces.ArtifactSet) error {
	if err := artifacts.CACert.Validate(); err != nil {
		return fmt.Errorf("authority certificate: %w", err)
	}
	if err := artifacts.Cert.Validate(); err != nil {
		return fmt.Errorf("leaf certificate: %w", err)
	}
	return nil
}

// leafFingerprint computes the receipt digest from the leaf certificate.
func leafFingerprint(cert interfaces.CertPEM) (interfaces.Fingerprint, error) {
	parsed, err := cert.GetX509Cert()
	if err != nil {
		return interfaces.Fingerprint{}, fmt.Errorf("parsing leaf certificate: %w", err)
	}
	return interfaces.ComputeFingerprint(parsed.Raw), nil
}
