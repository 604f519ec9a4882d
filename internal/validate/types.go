// SPDX-License-Identifier: MIT
package validate

// LogLevels lists the accepted zerolog level names.
var LogLevels = []string{"trace", "debug", "info", "warn", "error"}
