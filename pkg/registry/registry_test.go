package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchpanel/remotefs/pkg/backend"
	"github.com/patchpanel/remotefs/pkg/backend/memory"
)

func testLocation(id string) *Location {
	return &Location{
		ID:          id,
		Name:        "loc " + id,
		BackendType: backend.TypeMemory,
		RootPath:    "/",
		CreatedAt:   time.Now(),
	}
}

func testDialer(t *testing.T) backend.Dialer {
	t.Helper()
	return memory.NewDialer(memory.New())
}

func TestAddLocation(t *testing.T) {
	tests := []struct {
		name    string
		loc     *Location
		dialer  backend.Dialer
		wantErr string
	}{
		{
			name:   "valid location",
			loc:    testLocation("loc-1"),
			dialer: memory.NewDialer(memory.New()),
		},
		{
			name:    "nil location",
			loc:     nil,
			dialer:  memory.NewDialer(memory.New()),
			wantErr: "nil location",
		},
		{
			name:    "empty id",
			loc:     testLocation(""),
			dialer:  memory.NewDialer(memory.New()),
			wantErr: "empty id",
		},
		{
			name: "unknown backend type",
			loc: &Location{
				ID:          "loc-bad",
				BackendType: backend.Type("carrier-pigeon"),
			},
			dialer:  memory.NewDialer(memory.New()),
			wantErr: "unknown backend type",
		},
		{
			name:    "nil dialer",
			loc:     testLocation("loc-2"),
			dialer:  nil,
			wantErr: "nil dialer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := New()
			err := reg.AddLocation(tt.loc, tt.dialer)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, reg.LocationExists(tt.loc.ID))
		})
	}
}

func TestAddLocationDuplicate(t *testing.T) {
	reg := New()
	require.NoError(t, reg.AddLocation(testLocation("loc-1"), testDialer(t)))

	err := reg.AddLocation(testLocation("loc-1"), testDialer(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestGetLocationAndDialer(t *testing.T) {
	reg := New()
	loc := testLocation("loc-1")
	dialer := testDialer(t)
	require.NoError(t, reg.AddLocation(loc, dialer))

	got, err := reg.GetLocation("loc-1")
	require.NoError(t, err)
	assert.Equal(t, loc, got)

	gotDialer, err := reg.DialerFor("loc-1")
	require.NoError(t, err)
	assert.Equal(t, dialer.Fingerprint(), gotDialer.Fingerprint())

	_, err = reg.GetLocation("missing")
	assert.Error(t, err)
	_, err = reg.DialerFor("missing")
	assert.Error(t, err)
}

func TestRemoveLocation(t *testing.T) {
	reg := New()
	require.NoError(t, reg.AddLocation(testLocation("loc-1"), testDialer(t)))

	require.NoError(t, reg.RemoveLocation("loc-1"))
	assert.False(t, reg.LocationExists("loc-1"))

	err := reg.RemoveLocation("loc-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRemoveLocationWithActiveJobs(t *testing.T) {
	reg := New()
	require.NoError(t, reg.AddLocation(testLocation("loc-1"), testDialer(t)))
	require.NoError(t, reg.AcquireRef("loc-1"))

	err := reg.RemoveLocation("loc-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "active job")

	reg.ReleaseRef("loc-1")
	require.NoError(t, reg.RemoveLocation("loc-1"))
}

func TestRefCounting(t *testing.T) {
	reg := New()
	require.NoError(t, reg.AddLocation(testLocation("loc-1"), testDialer(t)))

	require.NoError(t, reg.AcquireRef("loc-1"))
	require.NoError(t, reg.AcquireRef("loc-1"))
	assert.Equal(t, 2, reg.ActiveRefs("loc-1"))

	reg.ReleaseRef("loc-1")
	assert.Equal(t, 1, reg.ActiveRefs("loc-1"))
	reg.ReleaseRef("loc-1")
	assert.Equal(t, 0, reg.ActiveRefs("loc-1"))

	assert.Panics(t, func() { reg.ReleaseRef("loc-1") })
	assert.Error(t, reg.AcquireRef("missing"))
}

func TestListLocations(t *testing.T) {
	reg := New()
	assert.Empty(t, reg.ListLocations())

	require.NoError(t, reg.AddLocation(testLocation("loc-1"), testDialer(t)))
	require.NoError(t, reg.AddLocation(testLocation("loc-2"), testDialer(t)))
	assert.Len(t, reg.ListLocations(), 2)
}

func TestAddSpace(t *testing.T) {
	reg := New()
	require.NoError(t, reg.AddLocation(testLocation("loc-1"), testDialer(t)))

	space := &Space{
		ID:   "space-1",
		Name: "reports",
		Items: []SpaceItem{
			{LocationID: "loc-1", SubPath: "reports/2026"},
		},
	}
	require.NoError(t, reg.AddSpace(space))

	got, err := reg.GetSpace("space-1")
	require.NoError(t, err)
	assert.Equal(t, space, got)

	err = reg.AddSpace(space)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	err = reg.AddSpace(&Space{
		ID:    "space-2",
		Items: []SpaceItem{{LocationID: "nope", SubPath: "x"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown location")

	assert.Error(t, reg.AddSpace(nil))
	assert.Error(t, reg.AddSpace(&Space{}))
}

func TestResolveSpaceWithDanglingItem(t *testing.T) {
	reg := New()
	require.NoError(t, reg.AddLocation(testLocation("loc-1"), testDialer(t)))
	require.NoError(t, reg.AddLocation(testLocation("loc-2"), testDialer(t)))
	require.NoError(t, reg.AddSpace(&Space{
		ID: "space-1",
		Items: []SpaceItem{
			{LocationID: "loc-1", SubPath: "a"},
			{LocationID: "loc-2", SubPath: "b"},
		},
	}))

	// Removing a referenced location leaves the space usable.
	require.NoError(t, reg.RemoveLocation("loc-2"))

	resolved, err := reg.ResolveSpace("space-1")
	require.NoError(t, err)
	require.Len(t, resolved, 2)

	assert.True(t, resolved[0].Valid)
	require.NotNil(t, resolved[0].Location)
	assert.Equal(t, "loc-1", resolved[0].Location.ID)

	assert.False(t, resolved[1].Valid)
	assert.Nil(t, resolved[1].Location)
	assert.Equal(t, "loc-2", resolved[1].Item.LocationID)

	_, err = reg.ResolveSpace("missing")
	assert.Error(t, err)
}

func TestRemoveSpace(t *testing.T) {
	reg := New()
	require.NoError(t, reg.AddLocation(testLocation("loc-1"), testDialer(t)))
	require.NoError(t, reg.AddSpace(&Space{ID: "space-1"}))

	require.NoError(t, reg.RemoveSpace("space-1"))
	assert.Error(t, reg.RemoveSpace("space-1"))

	// The location is untouched.
	assert.True(t, reg.LocationExists("loc-1"))
}

func TestSpacesReferencing(t *testing.T) {
	reg := New()
	require.NoError(t, reg.AddLocation(testLocation("loc-1"), testDialer(t)))
	require.NoError(t, reg.AddLocation(testLocation("loc-2"), testDialer(t)))
	require.NoError(t, reg.AddSpace(&Space{
		ID:    "space-1",
		Items: []SpaceItem{{LocationID: "loc-1"}},
	}))
	require.NoError(t, reg.AddSpace(&Space{
		ID:    "space-2",
		Items: []SpaceItem{{LocationID: "loc-1"}, {LocationID: "loc-2"}},
	}))

	refs := reg.SpacesReferencing("loc-1")
	assert.ElementsMatch(t, []string{"space-1", "space-2"}, refs)
	assert.ElementsMatch(t, []string{"space-2"}, reg.SpacesReferencing("loc-2"))
	assert.Empty(t, reg.SpacesReferencing("loc-3"))
}
