package types

// ImplementationType selects which kind of agent executes a function.
type ImplementationType string

const (
	UserTask    ImplementationType = "USER_TASK"
	ServiceTask ImplementationType = "SERVICE_TASK"
	AIAgentTask ImplementationType = "AI_AGENT_TASK"
)

// FunctionRegistryEntry describes the concrete implementation behind a
// function_code. Exactly one of UI, Service or AI is expected to be set,
// matching ImplementationType.
type FunctionRegistryEntry struct {
	FunctionCode       string                 `json:"function_code" yaml:"function_code"`
	Version            int                    `json:"version" yaml:"version"`
	ImplementationType ImplementationType     `json:"implementation_type" yaml:"implementation_type"`
	InputSchema        map[string]interface{} `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema       map[string]interface{} `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	UI                 *UIDescriptor          `json:"ui,omitempty" yaml:"ui,omitempty"`
	Service            *ServiceDescriptor     `json:"service,omitempty" yaml:"service,omitempty"`
	AI                 *AIDescriptor          `json:"ai,omitempty" yaml:"ai,omitempty"`
}

// UIDescriptor is what a human task renders.
type UIDescriptor struct {
	Component  string                 `json:"component,omitempty" yaml:"component,omitempty"`
	FormSchema map[string]interface{} `json:"form_schema,omitempty" yaml:"form_schema,omitempty"`
}

// RetryPolicy is advisory for the agent-execution layer; the engine itself
// never retries.
type RetryPolicy struct {
	MaxAttempts int   `json:"max_attempts" yaml:"max_attempts"`
	BackoffMs   int64 `json:"backoff_ms" yaml:"backoff_ms"`
}

// ServiceDescriptor is the remote endpoint behind a service task.
type ServiceDescriptor struct {
	Endpoint  string      `json:"endpoint" yaml:"endpoint"`
	Method    string      `json:"method,omitempty" yaml:"method,omitempty"`
	TimeoutMs int64       `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	Retry     RetryPolicy `json:"retry" yaml:"retry"`
}

// AIDescriptor references the model and prompt an AI agent task runs with.
type AIDescriptor struct {
	Model       string  `json:"model" yaml:"model"`
	PromptRef   string  `json:"prompt_ref" yaml:"prompt_ref"`
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
}

// AgentAssignment is a closed variant: Type says which payload is populated.
type AgentAssignment struct {
	Type    ImplementationType `json:"type"`
	User    *UserAgent         `json:"user,omitempty"`
	Service *ServiceAgent      `json:"service,omitempty"`
	AI      *AIAgent           `json:"ai,omitempty"`
}

// UserAgent is a human assignee plus the form to show them.
type UserAgent struct {
	Assignee  string                 `json:"assignee"`
	Component string                 `json:"component,omitempty"`
	UISchema  map[string]interface{} `json:"ui_schema,omitempty"`
}

// ServiceAgent is a remote call the agent layer performs.
type ServiceAgent struct {
	Endpoint  string      `json:"endpoint"`
	Method    string      `json:"method"`
	TimeoutMs int64       `json:"timeout_ms"`
	Retry     RetryPolicy `json:"retry"`
}

// AIAgent is a model invocation the agent layer performs.
type AIAgent struct {
	Model       string  `json:"model"`
	PromptRef   string  `json:"prompt_ref"`
	Temperature float64 `json:"temperature,omitempty"`
}
