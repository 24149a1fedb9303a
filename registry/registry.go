package registry

import (
	"errors"
	"fmt"
	"iter"
	"net/netip"
	"time"

	"github.com/opd-ai/communic8/limits"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNameAlreadyUsed indicates another live user holds the name.
	ErrNameAlreadyUsed = errors.New("name already used")
	// ErrAddressAlreadyUsed indicates another live user holds the host and port.
	ErrAddressAlreadyUsed = errors.New("address already used")
	// ErrNotLoggedIn indicates the name is not registered.
	ErrNotLoggedIn = errors.New("not logged in")
)

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// User is a logged-in identity.
type User struct {
	Name        string     `json:"name"`
	Host        netip.Addr `json:"host"`
	Port        int        `json:"port"`
	ConnectedAt time.Time  `json:"connected_at"`
	LastSeen    time.Time  `json:"last_seen"`
}

// Address returns the user's host and port.
func (u User) Address() netip.AddrPort {
	return addressKey(u.Host, u.Port)
}

func addressKey(host netip.Addr, port int) netip.AddrPort {
	return netip.AddrPortFrom(host.Unmap(), uint16(port))
}

// Registry holds the logged-in users indexed by name and by address.
//
// A Registry is not safe for concurrent use. The server only touches it from
// its event loop, which serializes every mutation.
type Registry struct {
	byName       map[string]*User
	byAddress    map[netip.AddrPort]*User
	timeProvider TimeProvider
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byName:       make(map[string]*User),
		byAddress:    make(map[netip.AddrPort]*User),
		timeProvider: DefaultTimeProvider{},
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (r *Registry) SetTimeProvider(tp TimeProvider) {
	r.timeProvider = tp
}

// Add registers name at host:port. It fails without side effects if either
// index already holds an entry or port is not a valid TCP port.
func (r *Registry) Add(name string, host netip.Addr, port int) (User, error) {
	if err := limits.ValidatePort(port); err != nil {
		return User{}, err
	}
	if _, exists := r.byName[name]; exists {
		return User{}, fmt.Errorf("%w: %s", ErrNameAlreadyUsed, name)
	}
	key := addressKey(host, port)
	if other, exists := r.byAddress[key]; exists {
		return User{}, fmt.Errorf("%w: %s held by %s", ErrAddressAlreadyUsed, key, other.Name)
	}

	now := r.timeProvider.Now()
	u := &User{
		Name:        name,
		Host:        host,
		Port:        port,
		ConnectedAt: now,
		LastSeen:    now,
	}
	r.byName[name] = u
	r.byAddress[key] = u

	logrus.WithFields(logrus.Fields{
		"function": "Add",
		"name":     name,
		"address":  key.String(),
		"users":    len(r.byName),
	}).Debug("User registered")

	return *u, nil
}

// Remove unregisters name.
func (r *Registry) Remove(name string) error {
	u, exists := r.byName[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotLoggedIn, name)
	}
	delete(r.byName, name)
	delete(r.byAddress, u.Address())

	logrus.WithFields(logrus.Fields{
		"function": "Remove",
		"name":     name,
		"users":    len(r.byName),
	}).Debug("User unregistered")
	return nil
}

// Get returns the user registered under name.
func (r *Registry) Get(name string) (User, bool) {
	u, ok := r.byName[name]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// GetByAddress returns the user registered at host:port.
func (r *Registry) GetByAddress(host netip.Addr, port int) (User, bool) {
	u, ok := r.byAddress[addressKey(host, port)]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Touch records activity for name at the current time.
func (r *Registry) Touch(name string) {
	if u, ok := r.byName[name]; ok {
		u.LastSeen = r.timeProvider.Now()
	}
}

// Len returns the number of registered users.
func (r *Registry) Len() int {
	return len(r.byName)
}

// All yields a snapshot of every registered user in unspecified order. The
// sequence is lazy and may be ranged over any number of times; it must not
// be consumed concurrently with mutations.
func (r *Registry) All() iter.Seq[User] {
	return func(yield func(User) bool) {
		for _, u := range r.byName {
			if !yield(*u) {
				return
			}
		}
	}
}
