// Package supervisor provides the process-fatal escape hatch used by
// pipeline components for conditions no retry can recover from,
// matching cmd/geth's own utils.Fatalf convention.
package supervisor

import "github.com/koushiro/substrate-archive-go/log"

// Fatal logs msg at the Crit level and terminates the process. Crit
// always exits (see log.Logger.Crit); Fatal exists as the named call
// site components reach for so "this is an unrecoverable condition,
// not an ordinary error" is visible in the call itself.
func Fatal(msg string, ctx ...any) {
	log.Root().Crit(msg, ctx...)
}
