// Package gateway applies todo mutations under the edit-lease rules.
//
// An edit session is BeginEdit, any number of CommitEdit calls and finally
// CommitEdit with done set or CancelEdit. Fields listed in the
// LockScopePolicy may be changed with Apply without holding the lease; every
// other change requires it.
package gateway
