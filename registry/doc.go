// Package registry tracks logged-in users and enforces that a name, and a
// (host, port) address, each belong to at most one live user.
//
//	r := registry.New()
//	alice, err := r.Add("alice", netip.MustParseAddr("192.0.2.1"), 40000)
//	if errors.Is(err, registry.ErrNameAlreadyUsed) {
//	    // LOGIN_FAILED_USER_NAME_TAKEN
//	}
//	for u := range r.All() {
//	    fmt.Println(u.Name, u.ConnectedAt)
//	}
//
// Lookups return a copy of the User and a found flag; they never fail.
package registry
