// Package artifacts holds files embedded into the sharefs binary.
package artifacts

import _ "embed"

// GlobalSettings is the default ~/.sharefs/settings.yaml. Keys absent from
// the user's file fall back to these values.
//
//go:embed global/settings.yaml
var GlobalSettings []byte
