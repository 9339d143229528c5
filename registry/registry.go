// Package registry keeps a stable bidirectional mapping between
// interactively picked geometric entities and mesh-entity indices. Ids are
// tagged with the mesh generation that minted them; a remesh invalidates
// every outstanding id until an explicit remap re-derives it from geometric
// proximity. The registry owns its own locking: single writer, multiple
// readers, with an explicit busy condition guarding in-flight builds.
package registry

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/structmesh/femcore/logging"
	"github.com/structmesh/femcore/mesh"
)

// DefaultRemapTolerance is the centroid-proximity tolerance used when none
// is configured, matching the nearest-node epsilon of the point-load path.
const DefaultRemapTolerance = 1e-6

// EntityKind discriminates what a mesh-entity id refers to.
type EntityKind uint8

const (
	Vertex EntityKind = iota
	Facet
	Cell
)

// String returns the string representation of an EntityKind.
func (k EntityKind) String() string {
	switch k {
	case Vertex:
		return "vertex"
	case Facet:
		return "facet"
	case Cell:
		return "cell"
	default:
		return fmt.Sprintf("EntityKind(%d)", uint8(k))
	}
}

// EntityID is an opaque, stable identifier for a vertex, facet or cell
// within one mesh generation. Ids compare by value and are usable as map
// keys. An id minted for generation N is invalid once generation N+1
// exists.
type EntityID struct {
	Generation uint64
	Kind       EntityKind
	Index      int
}

// String returns a short human-readable form, used in error messages.
func (id EntityID) String() string {
	return fmt.Sprintf("%s[%d]@gen%d", id.Kind, id.Index, id.Generation)
}

// Geometry is the resolved geometric description of a registered entity.
type Geometry struct {
	Kind     EntityKind
	Centroid r3.Vec
}

// RemapResult reports the outcome of remapping a registry onto a new mesh
// generation. Unmappable ids must be surfaced to the caller so dependent
// selections can be flagged stale; they are never silently dropped.
type RemapResult struct {
	Mapping    map[EntityID]EntityID
	Unmappable []EntityID
}

// MappingFor returns the new id for old, or ErrUnmappable when the entity
// found no unique geometric counterpart.
func (r *RemapResult) MappingFor(old EntityID) (EntityID, error) {
	if id, ok := r.Mapping[old]; ok {
		return id, nil
	}
	return EntityID{}, fmt.Errorf("%w: %s", ErrUnmappable, old)
}

// Registry maps picked entities to mesh indices for the current mesh
// generation. All methods are safe for concurrent use; mutations are
// serialized against reads and against in-flight builds by the registry
// itself, not by callers.
type Registry struct {
	mu        sync.RWMutex
	mesh      *mesh.Mesh
	tolerance float64
	log       logging.Logger

	building  bool
	remapping bool

	entities map[EntityID]Geometry
}

// New creates a registry bound to one mesh generation. A non-positive
// tolerance selects DefaultRemapTolerance.
func New(m *mesh.Mesh, tolerance float64, log logging.Logger) (*Registry, error) {
	if m == nil {
		return nil, fmt.Errorf("registry: mesh is nil")
	}
	if tolerance <= 0 {
		tolerance = DefaultRemapTolerance
	}
	return &Registry{
		mesh:      m,
		tolerance: tolerance,
		log:       logging.OrNoOp(log),
		entities:  make(map[EntityID]Geometry),
	}, nil
}

// Generation returns the mesh generation this registry currently serves.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mesh.Generation
}

// Mesh returns the mesh this registry currently serves. Read-only access
// for the builder and the visualization collaborator.
func (r *Registry) Mesh() *mesh.Mesh {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mesh
}

// Register records a picked entity and mints its id for the current
// generation. Registering the same entity twice returns the same id.
func (r *Registry) Register(kind EntityKind, index int) (EntityID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.building {
		return EntityID{}, fmt.Errorf("%w: cannot register %s[%d] during an in-flight build", ErrRegistryBusy, kind, index)
	}
	geom, err := r.entityGeometry(kind, index)
	if err != nil {
		return EntityID{}, err
	}
	id := EntityID{Generation: r.mesh.Generation, Kind: kind, Index: index}
	r.entities[id] = geom
	r.log.Debug("entity registered", "id", id.String())
	return id, nil
}

// Resolve returns the geometry of a registered entity. Ids from earlier
// generations fail with ErrStaleGeneration; unknown ids with ErrNotFound.
func (r *Registry) Resolve(id EntityID) (Geometry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id.Generation != r.mesh.Generation {
		return Geometry{}, fmt.Errorf("%w: %s, current generation is %d", ErrStaleGeneration, id, r.mesh.Generation)
	}
	geom, ok := r.entities[id]
	if !ok {
		return Geometry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return geom, nil
}

// BeginBuild gates a ProblemBuilder pass. While a build is in flight,
// Register and Remap fail with ErrRegistryBusy; a build attempted during a
// remap fails the same way. Callers must pair every successful BeginBuild
// with EndBuild.
func (r *Registry) BeginBuild() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.remapping {
		return fmt.Errorf("%w: remap in progress", ErrRegistryBusy)
	}
	if r.building {
		return fmt.Errorf("%w: another build in progress", ErrRegistryBusy)
	}
	r.building = true
	return nil
}

// EndBuild releases the build gate.
func (r *Registry) EndBuild() {
	r.mu.Lock()
	r.building = false
	r.mu.Unlock()
}

// Remap rebinds the registry to a new mesh generation. Every registered
// entity is matched against candidates of its kind in the new mesh: a
// unique candidate within the tolerance maps the entity, zero candidates or
// a tie leave it unmappable. The registry then serves the new generation;
// unmappable entities are dropped from it and reported so dependent
// selections can be flagged stale.
func (r *Registry) Remap(newMesh *mesh.Mesh) (*RemapResult, error) {
	if newMesh == nil {
		return nil, fmt.Errorf("registry: new mesh is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.building {
		return nil, fmt.Errorf("%w: cannot remap during an in-flight build", ErrRegistryBusy)
	}
	r.remapping = true
	defer func() { r.remapping = false }()

	result := &RemapResult{Mapping: make(map[EntityID]EntityID, len(r.entities))}
	newEntities := make(map[EntityID]Geometry, len(r.entities))

	for id, geom := range r.entities {
		newIndex, ok := matchCentroid(newMesh, id.Kind, geom.Centroid, r.tolerance)
		if !ok {
			result.Unmappable = append(result.Unmappable, id)
			r.log.Warn("entity unmappable after remesh", "id", id.String())
			continue
		}
		newID := EntityID{Generation: newMesh.Generation, Kind: id.Kind, Index: newIndex}
		newGeom, err := entityGeometryOf(newMesh, id.Kind, newIndex)
		if err != nil {
			return nil, fmt.Errorf("registry: remap candidate %s invalid: %w", newID, err)
		}
		result.Mapping[id] = newID
		newEntities[newID] = newGeom
	}

	r.mesh = newMesh
	r.entities = newEntities
	r.log.Info("registry remapped",
		"generation", newMesh.Generation,
		"mapped", len(result.Mapping),
		"unmappable", len(result.Unmappable))
	return result, nil
}

// matchCentroid finds the index of the unique entity of the given kind in m
// whose centroid lies within tol of target. Returns false on zero
// candidates or a tie.
func matchCentroid(m *mesh.Mesh, kind EntityKind, target r3.Vec, tol float64) (int, bool) {
	count := 0
	for i := 0; i < entityCount(m, kind); i++ {
		c, err := entityCentroid(m, kind, i)
		if err != nil {
			continue
		}
		if r3.Norm(r3.Sub(c, target)) <= tol {
			count++
		}
	}
	if count != 1 {
		return 0, false
	}
	best, bestDist := -1, math.Inf(1)
	for i := 0; i < entityCount(m, kind); i++ {
		c, err := entityCentroid(m, kind, i)
		if err != nil {
			continue
		}
		if d := r3.Norm(r3.Sub(c, target)); d <= tol && d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, best >= 0
}

func entityCount(m *mesh.Mesh, kind EntityKind) int {
	switch kind {
	case Vertex:
		return m.VertexCount()
	case Facet:
		return m.FacetCount()
	case Cell:
		return m.CellCount()
	default:
		return 0
	}
}

func entityCentroid(m *mesh.Mesh, kind EntityKind, index int) (r3.Vec, error) {
	switch kind {
	case Vertex:
		return m.VertexPosition(index)
	case Facet:
		return m.FacetCentroid(index)
	case Cell:
		return m.CellCentroid(index)
	default:
		return r3.Vec{}, fmt.Errorf("registry: unknown entity kind %d", kind)
	}
}

func (r *Registry) entityGeometry(kind EntityKind, index int) (Geometry, error) {
	return entityGeometryOf(r.mesh, kind, index)
}

func entityGeometryOf(m *mesh.Mesh, kind EntityKind, index int) (Geometry, error) {
	c, err := entityCentroid(m, kind, index)
	if err != nil {
		return Geometry{}, fmt.Errorf("registry: %s[%d]: %w", kind, index, err)
	}
	return Geometry{Kind: kind, Centroid: c}, nil
}
