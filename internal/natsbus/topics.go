package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// TopicWorkflowEvents carries every sink event of one workflow.
func TopicWorkflowEvents(workflowID string) string {
	return fmt.Sprintf("events.workflow.%s", workflowID)
}

// TopicAgentInvoke is the default request subject of a nats agent.
func TopicAgentInvoke(agentName string) string {
	return fmt.Sprintf("agent.%s.invoke", agentName)
}

const (
	TopicIPC               = "host.ipc"
	TopicEventsAll         = "events.>"
	TopicEventsWorkflow    = "events.workflow.*"
	TopicEventsScheduleRun = "events.schedule.run"
)
