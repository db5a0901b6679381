//go:build !unix

package filesystem

import "os"

// Without flock only the in-process per-id lock applies, so a root must not
// be shared between processes on these platforms.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
