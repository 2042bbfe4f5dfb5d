// Package common holds process identity and logger setup shared by every
// binary in the provisioning service.
package common

// PackageName tags metrics and logs with the service identity.
const PackageName = "device-provisioning-service"

// Version is set by the build process via ldflags. Defaults to "dev" for
// local builds.
var Version = "dev"
