package registry

import "errors"

// Domain errors for entity identity operations.
var (
	// ErrNotFound indicates an id that was never registered in this registry.
	ErrNotFound = errors.New("registry: entity not found")

	// ErrStaleGeneration indicates an id minted for an earlier mesh
	// generation. Stale ids are rejected at the API boundary, never reused.
	ErrStaleGeneration = errors.New("registry: entity id from stale mesh generation")

	// ErrUnmappable indicates an entity with no unique geometric
	// counterpart in the new mesh generation.
	ErrUnmappable = errors.New("registry: entity not mappable to new mesh")

	// ErrRegistryBusy indicates a mutation attempted while a build is in
	// flight, or a build attempted mid-remap.
	ErrRegistryBusy = errors.New("registry: busy")
)
