// Package core provides shared data models used across all app-core components.
// These models are implementation-agnostic and can be consumed by the runtime,
// the gateway, and the component packages without import cycles.
//
// Structure:
//
//	errors.go   - Error taxonomy (configuration, auth, rate limit, provider, ...)
//	bundle.go   - Bundle and invocation result models
//	context.go  - AppContext shared across scope constructions
package core
