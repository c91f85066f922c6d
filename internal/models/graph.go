package models

import (
	"fmt"
)

// ValidateGraph validates that a workflow graph is executable: non-empty,
// every node has a unique id and a type, and every edge, wait_for entry and
// skip target refers to an existing node. The first node is the entry point.
func ValidateGraph(nodes []Node) error {
	if len(nodes) == 0 {
		return fmt.Errorf("workflow must have at least one node")
	}

	ids := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		if node.ID == "" {
			return fmt.Errorf("node without id")
		}
		if node.Type == "" {
			return fmt.Errorf("node %s has no type", node.ID)
		}
		if ids[node.ID] {
			return fmt.Errorf("duplicate node ID: %s", node.ID)
		}
		ids[node.ID] = true
	}

	for _, node := range nodes {
		for _, edge := range node.NextSteps {
			if !ids[edge.TargetID] {
				return fmt.Errorf("node %s points to non-existent node %s", node.ID, edge.TargetID)
			}
			if err := validateEdge(node.ID, edge); err != nil {
				return err
			}
		}
		for _, dep := range node.WaitFor {
			if !ids[dep] {
				return fmt.Errorf("node %s waits for non-existent node %s", node.ID, dep)
			}
		}
		if eh := node.ErrorHandling; eh != nil && eh.OnFailure == FailureSkipToStep && eh.SkipToStepID != "" {
			if !ids[eh.SkipToStepID] {
				return fmt.Errorf("node %s skips to non-existent node %s", node.ID, eh.SkipToStepID)
			}
		}
	}

	return nil
}

// validateEdge enforces the per-condition field requirements.
func validateEdge(nodeID string, edge EdgeDescriptor) error {
	switch NormalizeConditionType(edge.ConditionType) {
	case ConditionEquals, ConditionNotEquals, ConditionContains, ConditionGreaterThan, ConditionLessThan:
		if edge.ConditionField == "" || edge.ConditionValue == nil {
			return fmt.Errorf("edge %s -> %s requires condition_field and condition_value for %s",
				nodeID, edge.TargetID, edge.ConditionType)
		}
	case ConditionIfEmpty, ConditionIfNotEmpty:
		if edge.ConditionField == "" {
			return fmt.Errorf("edge %s -> %s requires condition_field for %s",
				nodeID, edge.TargetID, edge.ConditionType)
		}
	}
	return nil
}

// NormalizeConditionType maps legacy "if_"-prefixed spellings onto the
// canonical set; graph editors have emitted both.
func NormalizeConditionType(t ConditionType) ConditionType {
	switch t {
	case "if_equals":
		return ConditionEquals
	case "if_not_equals":
		return ConditionNotEquals
	case "if_contains":
		return ConditionContains
	case "if_greater_than":
		return ConditionGreaterThan
	case "if_less_than":
		return ConditionLessThan
	}
	return t
}

// ApplyDefaults fills workflow-level metadata defaults into nodes that do
// not override them, returning a new slice.
func ApplyDefaults(meta Metadata, nodes []Node) []Node {
	if meta.TimeoutMs <= 0 && meta.ErrorPolicy == nil {
		return nodes
	}
	out := make([]Node, len(nodes))
	copy(out, nodes)
	for i := range out {
		if out[i].TimeoutMs <= 0 && meta.TimeoutMs > 0 {
			out[i].TimeoutMs = meta.TimeoutMs
		}
		if out[i].ErrorHandling == nil && meta.ErrorPolicy != nil {
			policy := *meta.ErrorPolicy
			out[i].ErrorHandling = &policy
		}
	}
	return out
}

// FindNode returns the node with the given id, or nil.
func FindNode(nodes []Node, id string) *Node {
	for i := range nodes {
		if nodes[i].ID == id {
			return &nodes[i]
		}
	}
	return nil
}

// EntryNode returns the graph's entry point, the first node.
func EntryNode(nodes []Node) *Node {
	if len(nodes) == 0 {
		return nil
	}
	return &nodes[0]
}
