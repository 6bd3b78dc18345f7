//go:build windows

package requestlog

import "os"

// On Windows no file lock is taken: both functions are no-ops, and the
// caller's plain O_APPEND open does not request an exclusive sharing
// mode either. There is no portable flock equivalent here, matching how the teacher's CLI skips SIGTERM-based stop on
// Windows in cmd/ctrlai/main.go.
func lockExclusive(f *os.File) error { return nil }

func unlock(f *os.File) error { return nil }
