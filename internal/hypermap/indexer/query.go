package indexer

import (
	"math/big"
	"sort"
)

// App is the joined, ranked view GetApp/GetApps/GetOurApps return: a
// listing plus its computed binding power (spec.md §4.F "Binding power").
type App struct {
	Listing      Listing `json:"listing"`
	BindingPower string  `json:"binding_power"`
}

// GetApp resolves one package's listing joined with its current binding
// power, nil if unlisted.
func (idx *Indexer) GetApp(pkg PackageID, now int64) (*App, error) {
	listing, err := idx.store.GetListing(pkg)
	if err != nil || listing == nil {
		return nil, err
	}
	power, err := idx.bindingPowerFor(pkg, now)
	if err != nil {
		return nil, err
	}
	return &App{Listing: *listing, BindingPower: power}, nil
}

// GetApps returns every listed package joined with binding power, sorted
// descending (spec.md §4.F, §8 scenario 6).
func (idx *Indexer) GetApps(now int64) ([]App, error) {
	listings, err := idx.store.ListListings()
	if err != nil {
		return nil, err
	}
	apps := make([]App, 0, len(listings))
	for _, l := range listings {
		power, err := idx.bindingPowerFor(l.Package, now)
		if err != nil {
			return nil, err
		}
		apps = append(apps, App{Listing: l, BindingPower: power})
	}
	sortAppsDescending(apps)
	return apps, nil
}

// bindingPowerFor resolves pkg's app namehash (spec.md §4.F
// "app_namehashes") and sums binding power across its binds; packages with
// no known namehash (never bound) contribute zero.
func (idx *Indexer) bindingPowerFor(pkg PackageID, now int64) (string, error) {
	nh, ok, err := idx.store.NamehashForPackage(pkg)
	if err != nil {
		return "0", err
	}
	if !ok {
		return "0", nil
	}
	return idx.store.AppBindingPower(nh, now)
}

// GetOurApps is GetApps filtered to listings published by ourNode.
func (idx *Indexer) GetOurApps(now int64) ([]App, error) {
	all, err := idx.GetApps(now)
	if err != nil {
		return nil, err
	}
	out := make([]App, 0, len(all))
	for _, a := range all {
		if a.Listing.Package.Publisher == idx.ourNode {
			out = append(out, a)
		}
	}
	return out, nil
}

func sortAppsDescending(apps []App) {
	sort.SliceStable(apps, func(i, j int) bool {
		return bindingPowerLess(apps[j].BindingPower, apps[i].BindingPower)
	})
}

// bindingPowerLess compares two binding-power decimal strings (as produced
// by big.Rat.FloatString) numerically rather than lexicographically.
func bindingPowerLess(a, b string) bool {
	ra, aok := parseRatString(a)
	rb, bok := parseRatString(b)
	if !aok || !bok {
		return a < b
	}
	return ra.Cmp(rb) < 0
}

func parseRatString(s string) (*big.Rat, bool) {
	r, ok := new(big.Rat).SetString(s)
	return r, ok
}
