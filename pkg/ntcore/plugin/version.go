package plugin

import (
	"fmt"

	"github.com/hashicorp/go-version"
)

// APIVersion is the plugin contract version this core implements.
// Plugins built against a different major version, or against any
// version newer than the core's (minor or patch), are rejected at
// registration.
const APIVersion = "1.2.0"

// Versioned is optionally implemented by plugins that declare which
// contract version they were built against. A plugin without it is
// assumed to match the core's own APIVersion.
type Versioned interface {
	APIVersion() string
}

// CheckCompatibility reports whether a plugin built against v can be
// driven by this core.
func CheckCompatibility(v string) error {
	pv, err := version.NewVersion(v)
	if err != nil {
		return fmt.Errorf("plugin: malformed api version %q: %v", v, err)
	}
	core := version.Must(version.NewVersion(APIVersion))
	if pv.Segments()[0] != core.Segments()[0] {
		return fmt.Errorf("plugin: api major version %d incompatible with core %s", pv.Segments()[0], APIVersion)
	}
	if pv.GreaterThan(core) {
		return fmt.Errorf("plugin: api version %s is newer than core %s", v, APIVersion)
	}
	return nil
}
