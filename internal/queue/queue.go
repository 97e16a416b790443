// Package queue holds the task broker drivers. Each subpackage implements
// feed.TaskBroker for one backend (amqp, pubsub, memory); MockBroker serves
// orchestrator tests.
package queue
