package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/songzhibin97/flowcore/definition"
	"github.com/songzhibin97/flowcore/types"
)

const defaultServiceMethod = "POST"

// Determine maps a registry entry to the agent that executes node for inst.
func Determine(entry types.FunctionRegistryEntry, node types.Node, inst types.Instance) (types.AgentAssignment, error) {
	switch entry.ImplementationType {
	case types.UserTask:
		assignee := inst.Assignees[node.ID]
		if assignee == "" {
			return types.AgentAssignment{}, &types.EngineError{
				Kind: types.ErrAuthoring, InstanceID: inst.ID, NodeID: node.ID,
				Err: fmt.Errorf("user task %s has no assignee", entry.FunctionCode),
			}
		}
		user := &types.UserAgent{Assignee: assignee}
		if entry.UI != nil {
			user.Component = entry.UI.Component
			user.UISchema = entry.UI.FormSchema
		}
		return types.AgentAssignment{Type: types.UserTask, User: user}, nil

	case types.ServiceTask:
		if entry.Service == nil {
			return types.AgentAssignment{}, missingDescriptor(entry, node, inst, "service")
		}
		method := strings.ToUpper(entry.Service.Method)
		if method == "" {
			method = defaultServiceMethod
		}
		return types.AgentAssignment{Type: types.ServiceTask, Service: &types.ServiceAgent{
			Endpoint:  entry.Service.Endpoint,
			Method:    method,
			TimeoutMs: entry.Service.TimeoutMs,
			Retry:     entry.Service.Retry,
		}}, nil

	case types.AIAgentTask:
		if entry.AI == nil {
			return types.AgentAssignment{}, missingDescriptor(entry, node, inst, "ai")
		}
		return types.AgentAssignment{Type: types.AIAgentTask, AI: &types.AIAgent{
			Model:       entry.AI.Model,
			PromptRef:   entry.AI.PromptRef,
			Temperature: entry.AI.Temperature,
		}}, nil
	}
	return types.AgentAssignment{}, &types.EngineError{
		Kind: types.ErrAuthoring, InstanceID: inst.ID, NodeID: node.ID,
		Err: fmt.Errorf("unknown implementation_type %q for %s", entry.ImplementationType, entry.FunctionCode),
	}
}

func missingDescriptor(entry types.FunctionRegistryEntry, node types.Node, inst types.Instance, what string) error {
	return &types.EngineError{
		Kind: types.ErrAuthoring, InstanceID: inst.ID, NodeID: node.ID,
		Err: fmt.Errorf("%s has no %s descriptor", entry.FunctionCode, what),
	}
}

// RequireAssignees checks, before an instance exists, that every task node
// resolves in the registry and every USER_TASK node has an assignee.
func RequireAssignees(ctx context.Context, g *definition.Graph, resolver Resolver, assignees map[string]string) error {
	var errs []error
	for _, node := range g.Tasks() {
		entry, err := resolver.Resolve(ctx, node.FunctionCode)
		if err != nil {
			errs = append(errs, atNode(err, node.ID))
			continue
		}
		if entry.ImplementationType == types.UserTask && assignees[node.ID] == "" {
			errs = append(errs, types.Authoring(node.ID, "user task %s has no assignee", node.FunctionCode))
		}
	}
	return errors.Join(errs...)
}

func atNode(err error, nodeID string) error {
	var ee *types.EngineError
	if errors.As(err, &ee) {
		cp := *ee
		cp.NodeID = nodeID
		return &cp
	}
	return err
}
