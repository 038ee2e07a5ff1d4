// Package fileutil holds shared filesystem constants.
package fileutil

import "os"

// OwnerReadWrite is the file permission mode for aggregated document output
// files containing potentially sensitive API data (owner read/write only).
const OwnerReadWrite os.FileMode = 0o600
