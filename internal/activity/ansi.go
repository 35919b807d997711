// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package activity

import "regexp"

// ansiRE matches CSI sequences (ESC [ params intermediates final) and
// two-character escapes from the Fe range, which covers OSC introducers.
var ansiRE = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]|\x1b[@-Z\\-_]`)

// StripANSI removes terminal escape sequences from b.
func StripANSI(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	return ansiRE.ReplaceAll(b, nil)
}
