// Package domain defines the core business types for the InSync email
// automation engine.
//
// Types in this package are pure value objects with no database
// dependencies and no HTTP concerns. They are the shared language between
// the engine, the repositories, the workers, and the API.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Validation methods are allowed (they're pure functions on the type)
//   - Constants and enums belong here
//
// Trigger configs, event payloads and conditions are tagged unions: each
// variant is its own struct implementing a sealed interface, and the
// Decode* functions turn the editors' JSON into the right variant.
package domain
