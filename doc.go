// Package uploadgw implements a resumable-upload ingestion gateway: a
// Tus-like chunked-upload HTTP endpoint backed by local staging, fanned into
// an object-store finalization pipeline with integrity verification,
// multi-part reassembly, and operator retry tooling.
//
// The package is designed to be imported from the module root:
//
//	import "github.com/ingestgw/uploadgw"
//
// uploadgw itself holds only the domain types, error taxonomy, config, and
// ambient stack (logging, observability, fx wiring). Concrete components
// live under internal/:
//
//	internal/stagingstore - local disk staging of in-progress uploads
//	internal/objectstore  - S3-compatible object-store client
//	internal/tusproto     - the resumable-upload HTTP protocol endpoint
//	internal/finalize     - the finalization orchestrator, assembler, reaper
//	internal/operator     - the operator/debug HTTP surface
//
// cmd/gatewayd wires these together into the running binary.
package uploadgw
