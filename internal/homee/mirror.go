package homee

import (
	"fmt"
	"sync"
)

type record interface {
	recordID() int
}

// collection is an ordered sequence holding at most one record per id.
type collection[T record] struct {
	items []T
	index map[int]int
}

func newCollection[T record](items []T) collection[T] {
	c := collection[T]{index: make(map[int]int, len(items))}
	for _, item := range items {
		c.upsert(item)
	}
	return c
}

func (c *collection[T]) upsert(item T) {
	if c.index == nil {
		c.index = make(map[int]int)
	}
	if i, ok := c.index[item.recordID()]; ok {
		c.items[i] = item
		return
	}
	c.index[item.recordID()] = len(c.items)
	c.items = append(c.items, item)
}

func (c *collection[T]) get(id int) (T, bool) {
	i, ok := c.index[id]
	if !ok {
		var zero T
		return zero, false
	}
	return c.items[i], true
}

func (c *collection[T]) list() []T {
	return append([]T(nil), c.items...)
}

// Mirror is the local copy of the hub's nodes, groups, relationships, plans
// and homeegrams. It is written only by the Dispatcher; readers get copies.
//
// Nothing is ever removed by an update message: the protocol announces
// deletions only through a later full replace.
type Mirror struct {
	mu sync.RWMutex

	nodes         collection[Node]
	groups        collection[Group]
	relationships collection[Relationship]
	plans         collection[Plan]
	homeegrams    collection[Homeegram]

	relationshipsSynced bool
}

// NewMirror returns an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{
		nodes:         newCollection[Node](nil),
		groups:        newCollection[Group](nil),
		relationships: newCollection[Relationship](nil),
		plans:         newCollection[Plan](nil),
		homeegrams:    newCollection[Homeegram](nil),
	}
}

// ReplaceAll swaps all five collections under one lock.
func (m *Mirror) ReplaceAll(s Snapshot) {
	nodes := newCollection(cloneNodes(s.Nodes))
	groups := newCollection(s.Groups)
	relationships := newCollection(s.Relationships)
	plans := newCollection(s.Plans)
	homeegrams := newCollection(s.Homeegrams)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nodes = nodes
	m.groups = groups
	m.relationships = relationships
	m.plans = plans
	m.homeegrams = homeegrams
	m.relationshipsSynced = true
}

func (m *Mirror) UpsertNode(n Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes.upsert(n.clone())
}

func (m *Mirror) ReplaceNodes(nodes []Node) {
	c := newCollection(cloneNodes(nodes))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = c
}

func (m *Mirror) UpsertGroup(g Group) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups.upsert(g)
}

func (m *Mirror) ReplaceGroups(groups []Group) {
	c := newCollection(groups)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = c
}

func (m *Mirror) UpsertRelationship(r Relationship) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relationships.upsert(r)
	m.relationshipsSynced = true
}

func (m *Mirror) ReplaceRelationships(relationships []Relationship) {
	c := newCollection(relationships)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relationships = c
	m.relationshipsSynced = true
}

func (m *Mirror) UpsertPlan(p Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans.upsert(p)
}

func (m *Mirror) ReplacePlans(plans []Plan) {
	c := newCollection(plans)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans = c
}

func (m *Mirror) UpsertHomeegram(h Homeegram) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.homeegrams.upsert(h)
}

func (m *Mirror) ReplaceHomeegrams(homeegrams []Homeegram) {
	c := newCollection(homeegrams)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.homeegrams = c
}

// ApplyAttribute overwrites the attribute inside its owning node and returns a
// copy of that node. ok is false when the node or the attribute is unknown,
// in which case the mirror is left untouched.
func (m *Mirror) ApplyAttribute(a Attribute) (node Node, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, found := m.nodes.index[a.NodeID]
	if !found {
		return Node{}, false
	}

	n := &m.nodes.items[i]
	for j := range n.Attributes {
		if n.Attributes[j].ID == a.ID {
			n.Attributes[j] = a
			return n.clone(), true
		}
	}
	return Node{}, false
}

func (m *Mirror) Nodes() []Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneNodes(m.nodes.items)
}

func (m *Mirror) Node(id int) (Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes.get(id)
	return n.clone(), ok
}

func (m *Mirror) Groups() []Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groups.list()
}

func (m *Mirror) Relationships() []Relationship {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.relationships.list()
}

func (m *Mirror) Plans() []Plan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plans.list()
}

func (m *Mirror) Homeegrams() []Homeegram {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.homeegrams.list()
}

// Snapshot returns a copy of all five collections taken under one lock.
func (m *Mirror) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Nodes:         cloneNodes(m.nodes.items),
		Groups:        m.groups.list(),
		Relationships: m.relationships.list(),
		Plans:         m.plans.list(),
		Homeegrams:    m.homeegrams.list(),
	}
}

// Attributes is the flattened view of every node's attributes.
func (m *Mirror) Attributes() []Attribute {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var attrs []Attribute
	for _, n := range m.nodes.items {
		attrs = append(attrs, n.Attributes...)
	}
	return attrs
}

// Attribute looks an attribute up by id across all nodes.
func (m *Mirror) Attribute(id int) (Attribute, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, n := range m.nodes.items {
		for _, a := range n.Attributes {
			if a.ID == id {
				return a, true
			}
		}
	}
	return Attribute{}, false
}

// NodesByGroup returns the nodes related to groupID, in mirror order.
func (m *Mirror) NodesByGroup(groupID int) ([]Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.relationshipsSynced {
		return nil, ErrNoRelationships
	}
	return m.nodesByGroupLocked(groupID), nil
}

// NodesByGroupName resolves a group by its plain or URL-encoded name.
func (m *Mirror) NodesByGroupName(name string) ([]Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.relationshipsSynced {
		return nil, ErrNoRelationships
	}

	encoded := EncodeComponent(name)
	for _, g := range m.groups.items {
		if g.Name == encoded || g.Name == name || g.DisplayName() == name {
			return m.nodesByGroupLocked(g.ID), nil
		}
	}
	return nil, fmt.Errorf("%w: %q", &ValidationError{Field: "group", Reason: "not found"}, name)
}

func (m *Mirror) nodesByGroupLocked(groupID int) []Node {
	members := make(map[int]bool)
	for _, r := range m.relationships.items {
		if r.GroupID == groupID {
			members[r.NodeID] = true
		}
	}

	var nodes []Node
	for _, n := range m.nodes.items {
		if members[n.ID] {
			nodes = append(nodes, n.clone())
		}
	}
	return nodes
}

func cloneNodes(nodes []Node) []Node {
	if nodes == nil {
		return nil
	}
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		out[i] = n.clone()
	}
	return out
}
