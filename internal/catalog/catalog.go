// Package catalog exposes the user/program/version lookups the scheduler
// consumes. The production catalog lives in the surrounding service; this
// package defines the contract plus an in-memory implementation for tests,
// the demo binary, and single-node deployments.
package catalog

import (
	"context"
	"errors"
	"sync"

	"github.com/mertmtlu/teias-scheduler/pkg/types"
)

// ErrNotFound indicates the entity does not exist in the catalog.
var ErrNotFound = errors.New("catalog entity not found")

// AccessLevel orders the permissions a user or group may hold on a program.
type AccessLevel int

// Access levels, weakest first.
const (
	AccessNone AccessLevel = iota
	AccessRead
	AccessExecute
	AccessWrite
	AccessAdmin
)

// User is a catalog user with group and role membership.
type User struct {
	ID      types.UserID
	Name    string
	IsAdmin bool
	Groups  []string
	Roles   []string
}

// Program is an executable program with its access control lists.
type Program struct {
	ID             types.ProgramID
	Name           string
	OwnerID        types.UserID
	Language       string
	Public         bool
	CurrentVersion types.VersionID
	UserAccess     map[types.UserID]AccessLevel
	GroupAccess    map[string]AccessLevel
}

// Version is a program version. Only executable versions may be submitted.
type Version struct {
	ID         types.VersionID
	ProgramID  types.ProgramID
	Number     int
	Executable bool
}

// Catalog is the lookup contract consumed by admission.
type Catalog interface {
	User(ctx context.Context, id types.UserID) (*User, error)
	Program(ctx context.Context, id types.ProgramID) (*Program, error)
	Version(ctx context.Context, id types.VersionID) (*Version, error)
}

// MemoryCatalog is a thread-safe in-memory Catalog.
type MemoryCatalog struct {
	mu       sync.RWMutex
	users    map[types.UserID]*User
	programs map[types.ProgramID]*Program
	versions map[types.VersionID]*Version
}

// NewMemoryCatalog creates an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		users:    make(map[types.UserID]*User),
		programs: make(map[types.ProgramID]*Program),
		versions: make(map[types.VersionID]*Version),
	}
}

// AddUser registers or replaces a user.
func (c *MemoryCatalog) AddUser(u User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users[u.ID] = &u
}

// AddProgram registers or replaces a program.
func (c *MemoryCatalog) AddProgram(p Program) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.programs[p.ID] = &p
}

// AddVersion registers or replaces a version.
func (c *MemoryCatalog) AddVersion(v Version) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions[v.ID] = &v
}

func (c *MemoryCatalog) User(ctx context.Context, id types.UserID) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func (c *MemoryCatalog) Program(ctx context.Context, id types.ProgramID) (*Program, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.programs[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (c *MemoryCatalog) Version(ctx context.Context, id types.VersionID) (*Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.versions[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *v
	return &copied, nil
}

// Access resolves the effective access a user holds on a program: the
// strongest of their direct grant and any group grant, with public programs
// granting execute to everyone.
func (p *Program) Access(u *User) AccessLevel {
	level := AccessNone
	if u.ID == p.OwnerID || u.IsAdmin {
		return AccessAdmin
	}
	if direct, ok := p.UserAccess[u.ID]; ok && direct > level {
		level = direct
	}
	for _, g := range u.Groups {
		if granted, ok := p.GroupAccess[g]; ok && granted > level {
			level = granted
		}
	}
	if p.Public && level < AccessExecute {
		level = AccessExecute
	}
	return level
}
