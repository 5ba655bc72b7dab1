package registry

import (
	"time"

	"github.com/patchpanel/remotefs/pkg/backend"
)

// Location is one registered remote filesystem root. Credentials never
// live on this record; they are captured by the backend.Dialer that is
// registered alongside it, so Location is safe to serialize and expose
// over the API.
type Location struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	BackendType backend.Type      `json:"backendType"`
	RootPath    string            `json:"rootPath"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// SpaceItem is one entry of a space: a location plus a sub-path within
// that location's root.
type SpaceItem struct {
	LocationID string `json:"locationId"`
	SubPath    string `json:"subPath"`
}

// Space is a named, ordered collection of paths that may span multiple
// locations. Items reference locations by id only, so removing a location
// leaves the space intact with a dangling item.
type Space struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Items     []SpaceItem `json:"items"`
	CreatedAt time.Time   `json:"createdAt"`
}

// ResolvedSpaceItem is a space item joined with its location record.
// Valid is false when the referenced location no longer exists; Location
// is nil in that case.
type ResolvedSpaceItem struct {
	Item     SpaceItem `json:"item"`
	Location *Location `json:"location,omitempty"`
	Valid    bool      `json:"valid"`
}
