package version

import "fmt"

// Overridden at build time via -ldflags in the generate workflow. Kept
// lower-case so ldflags can set them without exporting internals.
var (
	buildVersion = "dev"
	builtAt      = "unknown"
)

// Info is the binary's build metadata.
type Info struct {
	BuildVersion string `json:"buildVersion"`
	BuiltAt      string `json:"builtAt"`
}

func Get() Info {
	return Info{
		BuildVersion: buildVersion,
		BuiltAt:      builtAt,
	}
}

// String renders the metadata the way the -version flag prints it.
func (i Info) String() string {
	return fmt.Sprintf("%s (built %s)", i.BuildVersion, i.BuiltAt)
}
