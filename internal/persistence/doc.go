// Package persistence implements the per-session fragment cache.
//
// A Context owns the fragments a session has read or written. Reads go to
// the session's mapper only on the first access of a row or after the row
// was invalidated by another session; writes stay in the context until
// Save sends them as one batch.
package persistence
