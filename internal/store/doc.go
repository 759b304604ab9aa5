// Package store provides exclusive, crash-safe access to a single value
// persisted in one file.
//
// A Store is bound to a path and a Codec. Load checks the value out under the
// path's lock and returns a Guard; releasing the guard writes the value back
// through a temp file in the same directory followed by an atomic rename.
// Load errors are returned to the caller; write-back errors on release are
// logged (and reported to Options.OnWriteError) and leave the previous file
// intact.
//
// Typical use:
//
//	g, err := st.Load(ctx)
//	if err != nil {
//		return err
//	}
//	defer g.Release()
//	g.Value().Count++
package store
