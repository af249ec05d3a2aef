// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2026 The Bitnode developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package version

import "fmt"

const (
	appMajor uint = 0
	appMinor uint = 3
	appPatch uint = 0

	// appPreRelease should contain only characters from the semantic
	// version alphanumeric set.
	appPreRelease = "beta"
)

// GetVersion returns the application version as a properly formed string.
func GetVersion() string {
	version := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if appPreRelease != "" {
		version = fmt.Sprintf("%s-%s", version, appPreRelease)
	}
	return version
}
