package homee

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Dispatcher turns inbound frames into mirror updates and events.
type Dispatcher struct {
	mirror  *Mirror
	publish func(Event)
}

// NewDispatcher creates a dispatcher writing into mirror and publishing through publish.
func NewDispatcher(mirror *Mirror, publish func(Event)) *Dispatcher {
	return &Dispatcher{mirror: mirror, publish: publish}
}

// Handle processes one inbound frame. Malformed frames are reported as an
// ErrorEvent and dropped; they never reach the mirror.
func (d *Dispatcher) Handle(frame []byte) {
	kind, message, err := decodeFrame(frame)
	if err != nil {
		log.Debug().Str("frame", truncate(frame)).Msg("Cannot parse message")
		d.publish(ErrorEvent{Err: &ParseError{Frame: string(frame), Err: err}})
		return
	}

	log.Debug().Str("kind", kind).Msg("Received message from homee")

	payload := message[kind]
	if err := d.apply(kind, payload); err != nil {
		log.Warn().Err(err).Str("kind", kind).Msg("Cannot decode message payload")
		d.publish(ErrorEvent{Err: &ParseError{Frame: string(frame), Err: err}})
		return
	}

	d.publish(MessageEvent{Kind: kind, Message: message})
}

// apply updates the mirror for kind and publishes the kind specific event.
func (d *Dispatcher) apply(kind string, payload json.RawMessage) error {
	switch kind {
	case "all":
		var s Snapshot
		if err := json.Unmarshal(payload, &s); err != nil {
			return err
		}
		d.mirror.ReplaceAll(s)
		d.publish(AllEvent{Snapshot: s})

	case "attribute":
		var a Attribute
		if err := json.Unmarshal(payload, &a); err != nil {
			return err
		}
		d.handleAttributeChange(a)

	case "node":
		var n Node
		if err := json.Unmarshal(payload, &n); err != nil {
			return err
		}
		d.mirror.UpsertNode(n)
		d.publish(NodeEvent{Node: n})

	case "nodes":
		var nodes []Node
		if err := json.Unmarshal(payload, &nodes); err != nil {
			return err
		}
		d.mirror.ReplaceNodes(nodes)
		d.publish(NodesEvent{Nodes: nodes})

	case "group":
		var g Group
		if err := json.Unmarshal(payload, &g); err != nil {
			return err
		}
		d.mirror.UpsertGroup(g)
		d.publish(GroupEvent{Group: g})

	case "groups":
		var groups []Group
		if err := json.Unmarshal(payload, &groups); err != nil {
			return err
		}
		d.mirror.ReplaceGroups(groups)
		d.publish(GroupsEvent{Groups: groups})

	case "relationship":
		var r Relationship
		if err := json.Unmarshal(payload, &r); err != nil {
			return err
		}
		d.mirror.UpsertRelationship(r)
		d.publish(RelationshipEvent{Relationship: r})

	case "relationships":
		var relationships []Relationship
		if err := json.Unmarshal(payload, &relationships); err != nil {
			return err
		}
		d.mirror.ReplaceRelationships(relationships)
		d.publish(RelationshipsEvent{Relationships: relationships})

	case "plan":
		var p Plan
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		d.mirror.UpsertPlan(p)
		d.publish(PlanEvent{Plan: p})

	case "plans":
		var plans []Plan
		if err := json.Unmarshal(payload, &plans); err != nil {
			return err
		}
		d.mirror.ReplacePlans(plans)
		d.publish(PlansEvent{Plans: plans})

	case "homeegram":
		var h Homeegram
		if err := json.Unmarshal(payload, &h); err != nil {
			return err
		}
		d.mirror.UpsertHomeegram(h)
		d.publish(HomeegramEvent{Homeegram: h})

	case "homeegrams":
		var homeegrams []Homeegram
		if err := json.Unmarshal(payload, &homeegrams); err != nil {
			return err
		}
		d.mirror.ReplaceHomeegrams(homeegrams)
		d.publish(HomeegramsEvent{Homeegrams: homeegrams})

	case "attribute_history", "node_history", "homeegram_history":
		d.publish(HistoryEvent{Kind: strings.TrimSuffix(kind, "_history"), Payload: payload})

	default:
		log.Debug().Str("kind", kind).Msg("No special handling for message")
		d.publish(OtherEvent{Kind: kind, Payload: payload})
	}
	return nil
}

// handleAttributeChange writes the attribute into its node and publishes it
// together with the node. Unknown nodes or attributes degrade to publishing
// the bare attribute.
func (d *Dispatcher) handleAttributeChange(a Attribute) {
	log.Debug().Int("attribute", a.ID).Int("node", a.NodeID).Msg("Attribute changed")

	node, ok := d.mirror.ApplyAttribute(a)
	if !ok {
		log.Debug().Int("attribute", a.ID).Int("node", a.NodeID).Msg("Cannot find node, emitting attribute only")
		d.publish(AttributeEvent{Attribute: a})
		return
	}
	d.publish(AttributeEvent{Attribute: a, Node: &node})
}

// decodeFrame returns the first top-level key of a JSON object frame and the
// decoded object.
func decodeFrame(frame []byte) (string, map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(frame))

	tok, err := dec.Token()
	if err != nil {
		return "", nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return "", nil, errors.New("message is not an object")
	}
	tok, err = dec.Token()
	if err != nil {
		return "", nil, err
	}
	kind, ok := tok.(string)
	if !ok {
		return "", nil, errors.New("message has no kind")
	}

	var message map[string]json.RawMessage
	if err := json.Unmarshal(frame, &message); err != nil {
		return "", nil, err
	}
	return kind, message, nil
}

func truncate(frame []byte) string {
	const limit = 256
	if len(frame) <= limit {
		return string(frame)
	}
	return fmt.Sprintf("%s... (%d bytes)", frame[:limit], len(frame))
}
