// Package user holds the presence attributes of one chat identity.
package user

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// Options seeds a User.
type Options struct {
	Nick     string
	Username string
	Gecos    string
	Host     string
	Away     string
	Modes    []string
}

type User struct {
	mu       sync.RWMutex
	nick     string
	username string
	gecos    string
	host     string
	away     string
	modes    mapset.Set[string]
}

func New(o Options) *User {
	return &User{
		nick:     o.Nick,
		username: o.Username,
		gecos:    o.Gecos,
		host:     o.Host,
		away:     o.Away,
		modes:    mapset.NewSet(o.Modes...),
	}
}

func (u *User) Nick() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.nick
}

func (u *User) SetNick(nick string) {
	u.mu.Lock()
	u.nick = nick
	u.mu.Unlock()
}

func (u *User) Username() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.username
}

func (u *User) Gecos() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.gecos
}

func (u *User) Host() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.host
}

func (u *User) SetHost(host string) {
	u.mu.Lock()
	u.host = host
	u.mu.Unlock()
}

// Away is the away message, empty when present.
func (u *User) Away() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.away
}

func (u *User) SetAway(msg string) {
	u.mu.Lock()
	u.away = msg
	u.mu.Unlock()
}

// ToggleModes applies a mode string such as "+iw-o". Characters before the
// first sign are added.
func (u *User) ToggleModes(modes string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	adding := true
	for _, r := range modes {
		switch r {
		case '+':
			adding = true
		case '-':
			adding = false
		default:
			if adding {
				u.modes.Add(string(r))
			} else {
				u.modes.Remove(string(r))
			}
		}
	}
}

func (u *User) HasMode(mode string) bool {
	return u.modes.Contains(mode)
}

// Modes returns the set modes in sorted order.
func (u *User) Modes() []string {
	out := u.modes.ToSlice()
	sort.Strings(out)
	return out
}
