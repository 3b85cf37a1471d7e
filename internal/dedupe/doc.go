// Package dedupe remembers client message ids for a short window so a client
// that resends a sendMessage after a lost acknowledgment gets the original
// result instead of a second broadcast.
package dedupe
