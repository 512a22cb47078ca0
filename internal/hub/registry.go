package hub

import "sync"

// Registry tracks which connections belong to which groups. Mutation is
// synchronized per group: the outer RWMutex only guards the group table
// itself, while each group carries its own lock, so traffic on unrelated
// groups never contends. A reverse index supports clearing a connection's
// memberships in one call on disconnect.
//
// The registry holds no authorization state; callers check the connection's
// grant before calling Join or Leave.
type Registry struct {
	// mu protects the groups map (adding/looking up groups).
	mu     sync.RWMutex
	groups map[string]*group

	// connMu protects the reverse index byConn.
	connMu sync.Mutex
	byConn map[string]map[string]struct{}
}

// group holds the member set for one group name.
type group struct {
	// mu protects members. Locking per group keeps Join/Leave/MembersOf
	// linearizable for that group without a global lock.
	mu      sync.Mutex
	members map[string]struct{}
}

// NewRegistry returns an empty membership registry.
func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[string]*group),
		byConn: make(map[string]map[string]struct{}),
	}
}

// getGroup retrieves or creates the group entry for name.
func (r *Registry) getGroup(name string) *group {
	// Fast path: read lock
	r.mu.RLock()
	g, exists := r.groups[name]
	r.mu.RUnlock()

	if exists {
		return g
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring the write lock
	if g, exists = r.groups[name]; !exists {
		g = &group{members: make(map[string]struct{})}
		r.groups[name] = g
	}
	return g
}

// Join adds connID to groupName. Joining a group twice is a no-op.
func (r *Registry) Join(connID, groupName string) {
	g := r.getGroup(groupName)
	g.mu.Lock()
	g.members[connID] = struct{}{}
	g.mu.Unlock()

	r.connMu.Lock()
	if r.byConn[connID] == nil {
		r.byConn[connID] = make(map[string]struct{})
	}
	r.byConn[connID][groupName] = struct{}{}
	r.connMu.Unlock()
}

// Leave removes connID from groupName. Leaving a group the connection never
// joined is a no-op.
func (r *Registry) Leave(connID, groupName string) {
	r.mu.RLock()
	g, exists := r.groups[groupName]
	r.mu.RUnlock()

	if exists {
		g.mu.Lock()
		delete(g.members, connID)
		g.mu.Unlock()
	}

	r.connMu.Lock()
	if set := r.byConn[connID]; set != nil {
		delete(set, groupName)
		if len(set) == 0 {
			delete(r.byConn, connID)
		}
	}
	r.connMu.Unlock()
}

// MembersOf returns a snapshot of the connection ids in groupName.
func (r *Registry) MembersOf(groupName string) []string {
	r.mu.RLock()
	g, exists := r.groups[groupName]
	r.mu.RUnlock()

	if !exists {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.members))
	for id := range g.members {
		out = append(out, id)
	}
	return out
}

// GroupsOf returns a snapshot of the group names connID currently belongs to.
func (r *Registry) GroupsOf(connID string) []string {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	set := r.byConn[connID]
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	return out
}

// RemoveConnection clears every membership held by connID. Called on
// disconnect so no orphaned entries survive the connection.
func (r *Registry) RemoveConnection(connID string) {
	r.connMu.Lock()
	set := r.byConn[connID]
	delete(r.byConn, connID)
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	r.connMu.Unlock()

	for _, name := range names {
		r.mu.RLock()
		g, exists := r.groups[name]
		r.mu.RUnlock()
		if exists {
			g.mu.Lock()
			delete(g.members, connID)
			g.mu.Unlock()
		}
	}
}
