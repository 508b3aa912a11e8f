package homee

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Outbound commands are plain text: "<METHOD>:<path>[?<query>]". The protocol
// has no correlation id, answers arrive later as ordinary state messages.

// HistoryKind selects the entity a history request is made for.
type HistoryKind string

const (
	HistoryNode      HistoryKind = "node"
	HistoryAttribute HistoryKind = "attribute"
	HistoryHomeegram HistoryKind = "homeegram"
)

// Window limits a history or diary request. Zero fields are omitted.
type Window struct {
	From  time.Time
	Till  time.Time
	Limit int
}

func (w Window) query() string {
	var b strings.Builder
	if !w.From.IsZero() {
		fmt.Fprintf(&b, "from=%d&", w.From.Unix())
	}
	if !w.Till.IsZero() {
		fmt.Fprintf(&b, "till=%d&", w.Till.Unix())
	}
	if w.Limit > 0 {
		fmt.Fprintf(&b, "limit=%d&", w.Limit)
	}
	return b.String()
}

// GetCommand requests a resource, e.g. GetCommand("all") -> "GET:all".
func GetCommand(path string) string {
	return "GET:" + path
}

// SetValueCommand sets an attribute's target value.
func SetValueCommand(nodeID, attributeID int, value float64) (string, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return "", &ValidationError{Field: "value", Reason: "must be a number"}
	}
	return fmt.Sprintf("PUT:/nodes/%d/attributes/%d?target_value=%s",
		nodeID, attributeID, strconv.FormatFloat(value, 'f', -1, 64)), nil
}

// CreateGroupCommand creates a group; image defaults to "default".
func CreateGroupCommand(name, image string) string {
	if image == "" {
		image = "default"
	}
	return fmt.Sprintf("POST:groups?name=%s&image=%s", EncodeComponent(name), EncodeComponent(image))
}

// EncodeComponent escapes s the way the hub stores names: like
// encodeURIComponent, spaces become %20 and -_.!~*'() stay literal.
func EncodeComponent(s string) string {
	return componentUnescaper.Replace(url.QueryEscape(s))
}

var componentUnescaper = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

// DeleteGroupCommand deletes a group by id.
func DeleteGroupCommand(id int) string {
	return fmt.Sprintf("DELETE:groups/%d", id)
}

// PlayHomeegramCommand runs a homeegram once.
func PlayHomeegramCommand(id int) string {
	return fmt.Sprintf("PUT:homeegrams/%d?play=1", id)
}

// ActivateHomeegramCommand enables a homeegram's triggers.
func ActivateHomeegramCommand(id int) string {
	return fmt.Sprintf("PUT:homeegrams/%d?active=1", id)
}

// DeactivateHomeegramCommand disables a homeegram's triggers.
func DeactivateHomeegramCommand(id int) string {
	return fmt.Sprintf("PUT:homeegrams/%d?active=0", id)
}

// NodeHistoryCommand requests a node's state history.
func NodeHistoryCommand(nodeID int, w Window) string {
	return fmt.Sprintf("GET:nodes/%d/history?%s", nodeID, w.query())
}

// HomeegramHistoryCommand requests the run history of a homeegram.
func HomeegramHistoryCommand(homeegramID int, w Window) string {
	return fmt.Sprintf("GET:homeegrams/%d/history?%s", homeegramID, w.query())
}

// AttributeHistoryCommand needs the owning node id, see Client.History for the lookup.
func AttributeHistoryCommand(nodeID, attributeID int, w Window) string {
	return fmt.Sprintf("GET:nodes/%d/attributes/%d/history?%s", nodeID, attributeID, w.query())
}

// DiaryCommand requests the hub's diary entries.
func DiaryCommand(w Window) string {
	return "GET:diary?" + w.query()
}

// ParseHistoryKind validates a history type given as text.
func ParseHistoryKind(s string) (HistoryKind, error) {
	switch k := HistoryKind(s); k {
	case HistoryNode, HistoryAttribute, HistoryHomeegram:
		return k, nil
	}
	return "", &ValidationError{
		Field:  "history",
		Reason: `is only available for type "node", "attribute" and "homeegram"`,
	}
}

// Number converts a dynamically typed argument (script or CLI input) into a
// float64, rejecting anything that is not numeric.
func Number(field string, v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case float32:
		f = float64(n)
	case float64:
		f = n
	default:
		return 0, &ValidationError{Field: field, Reason: "must be a number"}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &ValidationError{Field: field, Reason: "must be a number"}
	}
	return f, nil
}

// ID is Number restricted to integral values.
func ID(field string, v any) (int, error) {
	f, err := Number(field, v)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, &ValidationError{Field: field, Reason: "must be an integer"}
	}
	return int(f), nil
}
