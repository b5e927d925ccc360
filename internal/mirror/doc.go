// Package mirror converges a local directory (the managed root) onto the
// content of a remote storage account, driven by an incremental change feed.
//
// A run fetches every change since the last checkpointed cursor, applies the
// entries in feed order against the local state index, and appends the new
// cursor only when no entry failed. Every filesystem mutation goes through a
// Guard that refuses targets outside the managed root, so a hostile or buggy
// feed can never delete or overwrite anything else on the machine.
package mirror
