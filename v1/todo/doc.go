// Package todo holds the todo item model and its storage backends.
//
// Items never carry lock state. The lock columns clients see are derived
// from the lease package at read time.
package todo
