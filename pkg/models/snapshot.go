package models

import "encoding/json"

// Edge connects two nodes in the topology. Edges are carried through the
// pipeline untouched; unknown fields survive in Attrs.
type Edge struct {
	Source string
	Target string

	Attrs map[string]interface{}
}

// UnmarshalJSON lifts source/target out and preserves the rest.
func (e *Edge) UnmarshalJSON(data []byte) error {
	raw := map[string]interface{}{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Edge{}
	e.Source = takeString(raw, "source")
	e.Target = takeString(raw, "target")
	if len(raw) > 0 {
		e.Attrs = raw
	}
	return nil
}

// MarshalJSON merges source/target back with the preserved attributes.
func (e *Edge) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(e.Attrs)+2)
	for k, v := range e.Attrs {
		out[k] = v
	}
	setIfNotEmpty(out, "source", e.Source)
	setIfNotEmpty(out, "target", e.Target)
	return json.Marshal(out)
}

// Snapshot is a full point-in-time capture of the node/edge graph.
// Its external identity is the content revision of the backing file.
type Snapshot struct {
	Nodes     []*Node `json:"nodes"`
	Edges     []*Edge `json:"edges"`
	UpdatedAt string  `json:"updated_at,omitempty"`
}

// Clone returns a deep copy so transforms can stay pure.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{UpdatedAt: s.UpdatedAt}
	if s.Nodes != nil {
		out.Nodes = make([]*Node, len(s.Nodes))
		for i, n := range s.Nodes {
			out.Nodes[i] = n.Clone()
		}
	}
	if s.Edges != nil {
		out.Edges = make([]*Edge, len(s.Edges))
		for i, e := range s.Edges {
			c := *e
			if e.Attrs != nil {
				attrs := make(map[string]interface{}, len(e.Attrs))
				for k, v := range e.Attrs {
					attrs[k] = v
				}
				c.Attrs = attrs
			}
			out.Edges[i] = &c
		}
	}
	return out
}
