// Package transfer defines the on-disk contract between the dispatcher and
// the external build tool.
//
// Each batch owns three files under <root>/<generation>/<sequence>/:
//
//   - Worker.fbin   input, written once when the batch is sealed
//   - Worker.fbout  output, written by the remote worker
//   - Success       reserved marker, only ever deleted
//
// The build tool never writes a separate completion marker for the output,
// so completion is inferred: the output must exist, be non-empty, be
// openable for exclusive write (no writer still holds it) and carry a
// modification time no older than the invocation's build descriptor.
//
// Antivirus and indexing services can briefly hold these files open, so
// create, move and delete are retried for about two seconds before the
// failure is reported as a RetryExhaustedError.
package transfer
