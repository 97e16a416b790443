// Package feed defines the value types, capability interfaces, and error
// taxonomy shared by the fetch worker: jobs and delivery tokens coming from
// the task broker, fetch requests and outcomes flowing through the worker
// pool, and the publish records sent downstream.
package feed
