// Package canonical reduces a raw task configuration to its identity-affecting
// subset and serializes it deterministically.
//
// The output of Canonicalize is the only configuration input to run identity.
// For a given normalization version the bytes it produces for a given input
// never change; a change in behaviour requires registering a new version.
package canonical
