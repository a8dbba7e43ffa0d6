package espalier

import _ "embed"

// Version is the release of this module. Callers trim the trailing newline.
//
//go:embed VERSION
var Version string
