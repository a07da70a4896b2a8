// Package errors provides structured, actionable error messages for the
// livestate CLI.
//
// Each error has a stable code (e.g., "L300") that maps to a category, a
// short message and usually a hint. Commands wrap the underlying Go error so
// errors.Is and errors.As keep working.
//
// # Usage
//
//	err := errors.New("L300").
//	    Wrap(dialErr).
//	    WithSuggestion("Is the server listening on :8080?")
//
//	errors.PrintError(err)
//	// ERROR L300: Could not connect to server
//	//
//	//   cause: dial tcp [::1]:8080: connect: connection refused
//	//
//	//   Hint: Is the server listening on :8080?
package errors
