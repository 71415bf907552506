package lx

import "sync"

// AccessControl answers role queries for callers of the engine
type AccessControl interface {
	IsKeeper(account string) bool
	IsOperator(account string) bool
}

// RoleSet is an in-memory AccessControl
type RoleSet struct {
	keepers   map[string]bool
	operators map[string]bool
	mu        sync.RWMutex
}

// NewRoleSet creates a role set with the given operators.
func NewRoleSet(operators ...string) *RoleSet {
	rs := &RoleSet{
		keepers:   make(map[string]bool),
		operators: make(map[string]bool),
	}
	for _, op := range operators {
		rs.operators[op] = true
	}
	return rs
}

func (rs *RoleSet) IsKeeper(account string) bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.keepers[account]
}

func (rs *RoleSet) IsOperator(account string) bool {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.operators[account]
}

func (rs *RoleSet) AddKeeper(account string) {
	rs.mu.Lock()
	rs.keepers[account] = true
	rs.mu.Unlock()
}

func (rs *RoleSet) RemoveKeeper(account string) {
	rs.mu.Lock()
	delete(rs.keepers, account)
	rs.mu.Unlock()
}

func (rs *RoleSet) AddOperator(account string) {
	rs.mu.Lock()
	rs.operators[account] = true
	rs.mu.Unlock()
}

func (rs *RoleSet) RemoveOperator(account string) {
	rs.mu.Lock()
	delete(rs.operators, account)
	rs.mu.Unlock()
}
