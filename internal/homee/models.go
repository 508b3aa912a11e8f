package homee

import "net/url"

// Device identity constants sent with every token request.
const (
	DeviceOSNone  = 0
	DeviceOSLinux = 1

	DeviceTypeNone = 0

	DeviceAppNone  = 0
	DeviceAppHomee = 1
)

// Attribute is a single measurable or controllable property of a node.
type Attribute struct {
	ID           int     `json:"id"`
	NodeID       int     `json:"node_id"`
	Instance     int     `json:"instance"`
	Minimum      float64 `json:"minimum"`
	Maximum      float64 `json:"maximum"`
	CurrentValue float64 `json:"current_value"`
	TargetValue  float64 `json:"target_value"`
	LastValue    float64 `json:"last_value"`
	Unit         string  `json:"unit,omitempty"`
	StepValue    float64 `json:"step_value"`
	Editable     int     `json:"editable"`
	Type         int     `json:"type"`
	State        int     `json:"state"`
	LastChanged  int64   `json:"last_changed"`
	ChangedBy    int     `json:"changed_by"`
	ChangedByID  int     `json:"changed_by_id"`
	BasedOn      int     `json:"based_on"`
	Data         string  `json:"data,omitempty"`
	Name         string  `json:"name,omitempty"`

	Extra Extra `json:"-"`
}

// Node is a device exposed by the hub together with its attributes.
type Node struct {
	ID           int         `json:"id"`
	Name         string      `json:"name"`
	Profile      int         `json:"profile"`
	Image        string      `json:"image,omitempty"`
	Favorite     int         `json:"favorite"`
	Order        int         `json:"order"`
	Protocol     int         `json:"protocol"`
	Routing      int         `json:"routing"`
	State        int         `json:"state"`
	StateChanged int64       `json:"state_changed"`
	Added        int64       `json:"added"`
	History      int         `json:"history"`
	CubeType     int         `json:"cube_type"`
	Note         string      `json:"note,omitempty"`
	Services     int         `json:"services"`
	PhoneticName string      `json:"phonetic_name,omitempty"`
	Owner        int         `json:"owner"`
	Security     int         `json:"security"`
	Attributes   []Attribute `json:"attributes"`

	Extra Extra `json:"-"`
}

// DisplayName returns the node name with the hub's URL encoding removed.
func (n Node) DisplayName() string {
	return unescapeName(n.Name)
}

// Group is a user defined collection of nodes.
type Group struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	Image        string `json:"image,omitempty"`
	Order        int    `json:"order"`
	Added        int64  `json:"added"`
	State        int    `json:"state"`
	Category     int    `json:"category"`
	PhoneticName string `json:"phonetic_name,omitempty"`
	Note         string `json:"note,omitempty"`
	Services     int    `json:"services"`
	Owner        int    `json:"owner"`

	Extra Extra `json:"-"`
}

// DisplayName returns the group name with the hub's URL encoding removed.
func (g Group) DisplayName() string {
	return unescapeName(g.Name)
}

// Relationship links a node (or homeegram) to a group.
type Relationship struct {
	ID          int `json:"id"`
	GroupID     int `json:"group_id"`
	NodeID      int `json:"node_id"`
	HomeegramID int `json:"homeegram_id"`
	Order       int `json:"order"`

	Extra Extra `json:"-"`
}

// Plan is a heating or time plan.
type Plan struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Image  string `json:"image,omitempty"`
	Active int    `json:"active"`
	Type   int    `json:"type"`
	Owner  int    `json:"owner"`

	Extra Extra `json:"-"`
}

// Homeegram is a stored automation that can be played or toggled active.
type Homeegram struct {
	ID           int    `json:"id"`
	Name         string `json:"name"`
	Image        string `json:"image,omitempty"`
	Active       int    `json:"active"`
	Play         int    `json:"play"`
	Visible      int    `json:"visible"`
	Favorite     int    `json:"favorite"`
	Order        int    `json:"order"`
	Category     int    `json:"category"`
	PhoneticName string `json:"phonetic_name,omitempty"`
	Note         string `json:"note,omitempty"`
	Owner        int    `json:"owner"`

	Extra Extra `json:"-"`
}

// Snapshot is the payload of a full-state ("all") message.
type Snapshot struct {
	Nodes         []Node         `json:"nodes"`
	Groups        []Group        `json:"groups"`
	Relationships []Relationship `json:"relationships"`
	Plans         []Plan         `json:"plans"`
	Homeegrams    []Homeegram    `json:"homeegrams"`
}

func (n Node) recordID() int         { return n.ID }
func (g Group) recordID() int        { return g.ID }
func (r Relationship) recordID() int { return r.ID }
func (p Plan) recordID() int         { return p.ID }
func (h Homeegram) recordID() int    { return h.ID }

func unescapeName(name string) string {
	decoded, err := url.QueryUnescape(name)
	if err != nil {
		return name
	}
	return decoded
}

func (n Node) clone() Node {
	if n.Attributes != nil {
		n.Attributes = append([]Attribute(nil), n.Attributes...)
	}
	return n
}

func (a *Attribute) UnmarshalJSON(data []byte) error {
	type plain Attribute
	var p plain
	extra, err := decodeFields(data, &p, "id", "node_id")
	if err != nil {
		return err
	}
	*a = Attribute(p)
	a.Extra = extra
	return nil
}

func (a Attribute) MarshalJSON() ([]byte, error) {
	type plain Attribute
	return encodeFields(plain(a), a.Extra)
}

func (n *Node) UnmarshalJSON(data []byte) error {
	type plain Node
	var p plain
	extra, err := decodeFields(data, &p, "id", "attributes")
	if err != nil {
		return err
	}
	*n = Node(p)
	n.Extra = extra
	return nil
}

func (n Node) MarshalJSON() ([]byte, error) {
	type plain Node
	return encodeFields(plain(n), n.Extra)
}

func (g *Group) UnmarshalJSON(data []byte) error {
	type plain Group
	var p plain
	extra, err := decodeFields(data, &p, "id")
	if err != nil {
		return err
	}
	*g = Group(p)
	g.Extra = extra
	return nil
}

func (g Group) MarshalJSON() ([]byte, error) {
	type plain Group
	return encodeFields(plain(g), g.Extra)
}

func (r *Relationship) UnmarshalJSON(data []byte) error {
	type plain Relationship
	var p plain
	extra, err := decodeFields(data, &p, "id", "group_id", "node_id", "homeegram_id")
	if err != nil {
		return err
	}
	*r = Relationship(p)
	r.Extra = extra
	return nil
}

func (r Relationship) MarshalJSON() ([]byte, error) {
	type plain Relationship
	return encodeFields(plain(r), r.Extra)
}

func (p *Plan) UnmarshalJSON(data []byte) error {
	type plain Plan
	var v plain
	extra, err := decodeFields(data, &v, "id")
	if err != nil {
		return err
	}
	*p = Plan(v)
	p.Extra = extra
	return nil
}

func (p Plan) MarshalJSON() ([]byte, error) {
	type plain Plan
	return encodeFields(plain(p), p.Extra)
}

func (h *Homeegram) UnmarshalJSON(data []byte) error {
	type plain Homeegram
	var p plain
	extra, err := decodeFields(data, &p, "id")
	if err != nil {
		return err
	}
	*h = Homeegram(p)
	h.Extra = extra
	return nil
}

func (h Homeegram) MarshalJSON() ([]byte, error) {
	type plain Homeegram
	return encodeFields(plain(h), h.Extra)
}
