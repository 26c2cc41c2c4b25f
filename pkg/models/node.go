package models

import (
	"encoding/json"
	"fmt"
)

// Status is the threat tier of a node.
type Status string

const (
	StatusBenign     Status = "benign"
	StatusSuspicious Status = "suspicious"
	StatusMalicious  Status = "malicious"
)

// Node is the canonical node shape. Source snapshots carry nodes with
// varying field sets (id, hostname, ip_address, positions, ...); the
// known fields are lifted out here and everything else is preserved in
// Attrs so a round trip through the pipeline keeps the payload intact.
type Node struct {
	ID        string
	Hostname  string
	Name      string
	IPAddress string
	IP        string

	ThreatScore *float64
	Status      Status
	Version     *int
	NetworkID   string
	UpdatedAt   string

	Attrs map[string]interface{}
}

// Key returns the node's unique identity: the first non-empty value among
// id, hostname, name, ip_address, IP. Empty means the node is unkeyable
// and excluded from scoring and diffing.
func (n *Node) Key() string {
	for _, v := range []string{n.ID, n.Hostname, n.Name, n.IPAddress, n.IP} {
		if v != "" {
			return v
		}
	}
	return ""
}

// ScoreValue returns the threat score, 0.0 when unset.
func (n *Node) ScoreValue() float64 {
	if n.ThreatScore == nil {
		return 0.0
	}
	return *n.ThreatScore
}

// VersionValue returns the version, 0 when unset.
func (n *Node) VersionValue() int {
	if n.Version == nil {
		return 0
	}
	return *n.Version
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	out := *n
	if n.ThreatScore != nil {
		v := *n.ThreatScore
		out.ThreatScore = &v
	}
	if n.Version != nil {
		v := *n.Version
		out.Version = &v
	}
	if n.Attrs != nil {
		attrs := make(map[string]interface{}, len(n.Attrs))
		for k, v := range n.Attrs {
			attrs[k] = v
		}
		out.Attrs = attrs
	}
	return &out
}

// UnmarshalJSON normalizes a heterogeneous node object into the canonical
// shape, coercing identity fields to strings and keeping unknown fields.
func (n *Node) UnmarshalJSON(data []byte) error {
	raw := map[string]interface{}{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*n = Node{}
	n.ID = takeString(raw, "id")
	n.Hostname = takeString(raw, "hostname")
	n.Name = takeString(raw, "name")
	n.IPAddress = takeString(raw, "ip_address")
	n.IP = takeString(raw, "IP")
	n.NetworkID = takeString(raw, "network_id")
	n.UpdatedAt = takeString(raw, "updated_at")
	n.Status = Status(takeString(raw, "status"))

	if v, ok := raw["threat_score"]; ok {
		delete(raw, "threat_score")
		if f, ok := toFloat(v); ok {
			n.ThreatScore = &f
		}
	}
	if v, ok := raw["version"]; ok {
		delete(raw, "version")
		if f, ok := toFloat(v); ok {
			ver := int(f)
			n.Version = &ver
		}
	}

	if len(raw) > 0 {
		n.Attrs = raw
	}
	return nil
}

// MarshalJSON emits the canonical fields merged with the preserved
// attributes. Keys are sorted by the encoder, which keeps published
// snapshots byte-stable across runs.
func (n *Node) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(n.Attrs)+10)
	for k, v := range n.Attrs {
		out[k] = v
	}
	setIfNotEmpty(out, "id", n.ID)
	setIfNotEmpty(out, "hostname", n.Hostname)
	setIfNotEmpty(out, "name", n.Name)
	setIfNotEmpty(out, "ip_address", n.IPAddress)
	setIfNotEmpty(out, "IP", n.IP)
	setIfNotEmpty(out, "network_id", n.NetworkID)
	setIfNotEmpty(out, "updated_at", n.UpdatedAt)
	setIfNotEmpty(out, "status", string(n.Status))
	if n.ThreatScore != nil {
		out["threat_score"] = *n.ThreatScore
	}
	if n.Version != nil {
		out["version"] = *n.Version
	}
	return json.Marshal(out)
}

func setIfNotEmpty(m map[string]interface{}, key, val string) {
	if val != "" {
		m[key] = val
	}
}

// takeString removes key from raw and returns its value coerced to a
// string. Numeric identifiers show up in source data, so numbers are
// formatted rather than rejected.
func takeString(raw map[string]interface{}, key string) string {
	v, ok := raw[key]
	if !ok {
		return ""
	}
	delete(raw, key)
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	case bool:
		if val {
			return "true"
		}
		return "false"
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
