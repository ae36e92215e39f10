package graph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/chatflow/pkg/flowerr"
)

var ErrInvalidFlow = errors.New("invalid flow")

// Issue is one finding of a compilation.
type Issue struct {
	FlowID  string `json:"flow_id"`
	NodeID  string `json:"node_id,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.NodeID == "" {
		return fmt.Sprintf("flow %s: %s", i.FlowID, i.Message)
	}

	return fmt.Sprintf("flow %s node %s: %s", i.FlowID, i.NodeID, i.Message)
}

// Report collects the findings of a compilation. Errors block publishing,
// warnings do not.
type Report struct {
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

func (r *Report) Valid() bool {
	return len(r.Errors) == 0
}

// Err returns a configuration error listing every blocking issue, or nil.
func (r *Report) Err() error {
	if r.Valid() {
		return nil
	}

	lines := make([]string, len(r.Errors))
	for i, issue := range r.Errors {
		lines[i] = issue.String()
	}

	err := flowerr.Configuration("graph.Compile", strings.Join(lines, "; "), ErrInvalidFlow)
	err.FlowID = r.Errors[0].FlowID

	return err
}

func (r *Report) errorf(flowID, nodeID, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{FlowID: flowID, NodeID: nodeID, Message: fmt.Sprintf(format, args...)})
}

func (r *Report) warnf(flowID, nodeID, format string, args ...any) {
	r.Warnings = append(r.Warnings, Issue{FlowID: flowID, NodeID: nodeID, Message: fmt.Sprintf(format, args...)})
}
