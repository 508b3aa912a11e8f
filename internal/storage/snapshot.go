package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/homeed/internal/homee"
)

// Kinds under which mirror records are persisted.
const (
	KindNode         = "node"
	KindGroup        = "group"
	KindRelationship = "relationship"
	KindPlan         = "plan"
	KindHomeegram    = "homeegram"
)

// SnapshotWriter persists the hub state published on a homee bus, so the last
// known state can be inspected while the hub is unreachable. It only writes;
// the live mirror is always rebuilt from the hub.
type SnapshotWriter struct {
	store *Store
}

// NewSnapshotWriter creates a writer backed by store.
func NewSnapshotWriter(store *Store) *SnapshotWriter {
	return &SnapshotWriter{store: store}
}

// Attach subscribes the writer to every state carrying event on bus.
func (w *SnapshotWriter) Attach(bus *homee.Bus) {
	homee.Subscribe(bus, func(e homee.AllEvent) { w.handle(w.writeAll(e.Snapshot), "all") })
	homee.Subscribe(bus, func(e homee.NodesEvent) { w.handle(replace(w.store, KindNode, e.Nodes), "nodes") })
	homee.Subscribe(bus, func(e homee.GroupsEvent) { w.handle(replace(w.store, KindGroup, e.Groups), "groups") })
	homee.Subscribe(bus, func(e homee.RelationshipsEvent) {
		w.handle(replace(w.store, KindRelationship, e.Relationships), "relationships")
	})
	homee.Subscribe(bus, func(e homee.PlansEvent) { w.handle(replace(w.store, KindPlan, e.Plans), "plans") })
	homee.Subscribe(bus, func(e homee.HomeegramsEvent) {
		w.handle(replace(w.store, KindHomeegram, e.Homeegrams), "homeegrams")
	})

	homee.Subscribe(bus, func(e homee.NodeEvent) { w.handle(set(w.store, KindNode, e.Node.ID, e.Node), "node") })
	homee.Subscribe(bus, func(e homee.GroupEvent) { w.handle(set(w.store, KindGroup, e.Group.ID, e.Group), "group") })
	homee.Subscribe(bus, func(e homee.RelationshipEvent) {
		w.handle(set(w.store, KindRelationship, e.Relationship.ID, e.Relationship), "relationship")
	})
	homee.Subscribe(bus, func(e homee.PlanEvent) { w.handle(set(w.store, KindPlan, e.Plan.ID, e.Plan), "plan") })
	homee.Subscribe(bus, func(e homee.HomeegramEvent) {
		w.handle(set(w.store, KindHomeegram, e.Homeegram.ID, e.Homeegram), "homeegram")
	})

	// Attribute updates rewrite the owning node; attributes of unknown nodes are not stored.
	homee.Subscribe(bus, func(e homee.AttributeEvent) {
		if e.Node != nil {
			w.handle(set(w.store, KindNode, e.Node.ID, *e.Node), "attribute")
		}
	})
}

func (w *SnapshotWriter) handle(err error, kind string) {
	if err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("Failed to persist snapshot")
	}
}

func (w *SnapshotWriter) writeAll(s homee.Snapshot) error {
	if err := replace(w.store, KindNode, s.Nodes); err != nil {
		return err
	}
	if err := replace(w.store, KindGroup, s.Groups); err != nil {
		return err
	}
	if err := replace(w.store, KindRelationship, s.Relationships); err != nil {
		return err
	}
	if err := replace(w.store, KindPlan, s.Plans); err != nil {
		return err
	}
	return replace(w.store, KindHomeegram, s.Homeegrams)
}

type identified interface {
	homee.Node | homee.Group | homee.Relationship | homee.Plan | homee.Homeegram
}

func idOf[T identified](v T) int {
	switch r := any(v).(type) {
	case homee.Node:
		return r.ID
	case homee.Group:
		return r.ID
	case homee.Relationship:
		return r.ID
	case homee.Plan:
		return r.ID
	case homee.Homeegram:
		return r.ID
	}
	return 0
}

func replace[T identified](store *Store, kind string, items []T) error {
	payloads := make(map[string][]byte, len(items))
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", kind, err)
		}
		payloads[strconv.Itoa(idOf(item))] = data
	}
	return store.ReplaceKind(kind, payloads)
}

func set[T identified](store *Store, kind string, id int, item T) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	return store.Set(kind, strconv.Itoa(id), data)
}

// LoadSnapshot reads the persisted state back, ordered by id.
func LoadSnapshot(store *Store) (homee.Snapshot, error) {
	var (
		s   homee.Snapshot
		err error
	)
	if s.Nodes, err = load[homee.Node](store, KindNode); err != nil {
		return s, err
	}
	if s.Groups, err = load[homee.Group](store, KindGroup); err != nil {
		return s, err
	}
	if s.Relationships, err = load[homee.Relationship](store, KindRelationship); err != nil {
		return s, err
	}
	if s.Plans, err = load[homee.Plan](store, KindPlan); err != nil {
		return s, err
	}
	if s.Homeegrams, err = load[homee.Homeegram](store, KindHomeegram); err != nil {
		return s, err
	}
	return s, nil
}

func load[T identified](store *Store, kind string) ([]T, error) {
	payloads, _, err := store.GetAll(kind)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s state: %w", kind, err)
	}

	items := make([]T, 0, len(payloads))
	for id, data := range payloads {
		var item T
		if err := json.Unmarshal(data, &item); err != nil {
			return nil, fmt.Errorf("failed to decode %s %s: %w", kind, id, err)
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return idOf(items[i]) < idOf(items[j]) })
	return items, nil
}
