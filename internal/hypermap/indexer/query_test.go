package indexer

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedListing(t *testing.T, s *Store, pkg PackageID, namehash string, lockValue *big.Int, lockEnd int64) {
	t.Helper()
	require.NoError(t, s.PutListing(Listing{Package: pkg, URI: "https://example.test/" + pkg.String()}))
	if namehash == "" {
		return
	}
	require.NoError(t, s.PutAppNamehash(namehash, pkg))
	require.NoError(t, s.PutLock(Lock{User: "user-" + pkg.Package, Value: lockValue, EndTime: lockEnd}))
	require.NoError(t, s.PutBind(Bind{User: "user-" + pkg.Package, Namehash: namehash, EndTime: lockEnd}))
}

func TestGetAppJoinsBindingPower(t *testing.T) {
	s := newTestStore(t)
	idx := New(nil, s, nil, nil, nil, Config{OurNode: "alice.os"})

	pkg := PackageID{Package: "app", Publisher: "alice.os"}
	seedListing(t, s, pkg, "0xnamehash", big.NewInt(1_000_000), 10_000)

	app, err := idx.GetApp(pkg, 100)
	require.NoError(t, err)
	require.NotNil(t, app)
	require.Equal(t, pkg, app.Listing.Package)
	require.NotEqual(t, "0", app.BindingPower)
}

func TestGetAppUnlistedReturnsNil(t *testing.T) {
	s := newTestStore(t)
	idx := New(nil, s, nil, nil, nil, Config{OurNode: "alice.os"})

	app, err := idx.GetApp(PackageID{Package: "ghost", Publisher: "nobody.os"}, 0)
	require.NoError(t, err)
	require.Nil(t, app)
}

func TestGetAppsSortsDescendingByBindingPower(t *testing.T) {
	s := newTestStore(t)
	idx := New(nil, s, nil, nil, nil, Config{OurNode: "alice.os"})

	low := PackageID{Package: "low", Publisher: "alice.os"}
	high := PackageID{Package: "high", Publisher: "bob.os"}
	unbound := PackageID{Package: "unbound", Publisher: "carol.os"}

	seedListing(t, s, low, "0xlow", big.NewInt(1_000), 10_000)
	seedListing(t, s, high, "0xhigh", big.NewInt(1_000_000_000), 10_000)
	seedListing(t, s, unbound, "", nil, 0)

	apps, err := idx.GetApps(100)
	require.NoError(t, err)
	require.Len(t, apps, 3)
	require.Equal(t, high, apps[0].Listing.Package)
	require.Equal(t, low, apps[1].Listing.Package)
	require.Equal(t, unbound, apps[2].Listing.Package)
	require.Equal(t, "0", apps[2].BindingPower)
}

func TestGetOurAppsFiltersByPublisher(t *testing.T) {
	s := newTestStore(t)
	idx := New(nil, s, nil, nil, nil, Config{OurNode: "alice.os"})

	mine := PackageID{Package: "mine", Publisher: "alice.os"}
	theirs := PackageID{Package: "theirs", Publisher: "bob.os"}
	seedListing(t, s, mine, "", nil, 0)
	seedListing(t, s, theirs, "", nil, 0)

	ours, err := idx.GetOurApps(0)
	require.NoError(t, err)
	require.Len(t, ours, 1)
	require.Equal(t, mine, ours[0].Listing.Package)
}

func TestBindingPowerLessNumericNotLexicographic(t *testing.T) {
	require.True(t, bindingPowerLess("9.000000000000000000", "10.000000000000000000"))
	require.False(t, bindingPowerLess("10.000000000000000000", "9.000000000000000000"))
}
