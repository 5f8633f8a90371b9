package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrUserNotFound = errors.New("user not found")

// User is a directory entry of MemoryDirectory.
type User struct {
	ID         string
	Manager    string
	Department string
	Roles      []string
	Inactive   bool
}

// MemoryDirectory is an in-process Directory, used by examples and tests.
type MemoryDirectory struct {
	mu          sync.RWMutex
	users       map[string]User
	order       []string
	deptLeaders map[string]string
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users:       make(map[string]User),
		deptLeaders: make(map[string]string),
	}
}

// AddUser adds or replaces u.
func (d *MemoryDirectory) AddUser(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.users[u.ID]; !ok {
		d.order = append(d.order, u.ID)
	}
	d.users[u.ID] = u
}

// SetDepartmentLeader records the leader of dept.
func (d *MemoryDirectory) SetDepartmentLeader(dept, leader string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deptLeaders[dept] = leader
}

func (d *MemoryDirectory) RoleMembers(ctx context.Context, role string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var members []string
	for _, id := range d.order {
		u := d.users[id]
		if u.Inactive {
			continue
		}
		for _, r := range u.Roles {
			if r == role {
				members = append(members, id)
				break
			}
		}
	}
	return members, nil
}

func (d *MemoryDirectory) Manager(ctx context.Context, user string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[user]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUserNotFound, user)
	}
	return u.Manager, nil
}

func (d *MemoryDirectory) DepartmentLeader(ctx context.Context, user string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[user]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUserNotFound, user)
	}
	leader, ok := d.deptLeaders[u.Department]
	if !ok {
		return "", fmt.Errorf("department %q has no leader", u.Department)
	}
	return leader, nil
}

func (d *MemoryDirectory) LeaderChain(ctx context.Context, user string, depth int) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[user]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, user)
	}
	var chain []string
	visited := map[string]bool{user: true}
	for i := 0; i < depth && u.Manager != "" && !visited[u.Manager]; i++ {
		chain = append(chain, u.Manager)
		visited[u.Manager] = true
		next, ok := d.users[u.Manager]
		if !ok {
			break
		}
		u = next
	}
	return chain, nil
}
