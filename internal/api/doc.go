// Package api exposes the HTTP invocation envelope: ability precheck and
// execute endpoints plus read access to invocation audit records. Responses
// always carry the policiesContext so callers can see why an execution
// would be or was denied.
package api
