package natsbus

import "fmt"

// Topic scheme for worker I/O and orchestration events.

func TopicAgentInput(agent string) string {
	return fmt.Sprintf("agent.%s.input", agent)
}

func TopicAgentOutput(agent string) string {
	return fmt.Sprintf("agent.%s.output", agent)
}

func TopicAgentStatus(agent string) string {
	return fmt.Sprintf("agent.%s.status", agent)
}

func TopicAgentControl(agent string) string {
	return fmt.Sprintf("agent.%s.control", agent)
}

func TopicEventsAgent(agent string) string {
	return fmt.Sprintf("events.agent.%s", agent)
}

const (
	TopicEventsAll          = "events.>"
	TopicEventsOrchestrator = "events.orchestrator"
)
