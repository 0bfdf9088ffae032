package directory

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("username already taken")
)

// User is an identity record. Authentication itself is handled elsewhere;
// the ledger only needs the id/username mapping.
type User struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// Directory is the user-directory collaborator: the read-side join source
// for showing usernames next to transfers, and the username -> id resolver
// for the API layer.
type Directory interface {
	UserByID(userID int64) (User, error)
	UserByName(username string) (User, error)
	Users() []User
}

// InMemory is a Directory that also supports registration. Safe for
// concurrent use.
type InMemory struct {
	mu     sync.RWMutex
	byID   map[int64]User
	byName map[string]int64
	nextID int64
}

func NewInMemory() *InMemory {
	return &InMemory{
		byID:   make(map[int64]User),
		byName: make(map[string]int64),
		nextID: 1,
	}
}

// Register adds a new user and assigns its id.
func (d *InMemory) Register(username string) (User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byName[username]; ok {
		return User{}, ErrUserExists
	}

	user := User{UserID: d.nextID, Username: username}
	d.nextID++
	d.byID[user.UserID] = user
	d.byName[username] = user.UserID
	return user, nil
}

func (d *InMemory) UserByID(userID int64) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	user, ok := d.byID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (d *InMemory) UserByName(username string) (User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	id, ok := d.byName[username]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return d.byID[id], nil
}

func (d *InMemory) Users() []User {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]User, 0, len(d.byID))
	for _, user := range d.byID {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
