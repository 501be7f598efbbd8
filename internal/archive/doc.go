// Package archive extracts downloaded package archives (tar, tar.gz, zip)
// into a destination directory without trusting anything inside them.
//
// Extraction runs in two passes. The first walks every entry and fails the
// whole archive on an unsafe path or once the entry ceiling is crossed,
// deciding which entries will be written. Nothing touches the destination
// until that pass succeeds. The second pass writes only the entries the
// first one admitted, each target resolved inside the destination with
// securejoin, and each file copy bounded.
//
// Symlinks, hard links, devices and fifos are never written. Entries whose
// extension is outside the allowlist are neither written nor reported.
package archive
