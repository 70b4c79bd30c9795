// Package submit posts the health-report form.
//
// A submission is a form-encoded POST carrying the profile fields, the user id,
// today's date, a creation timestamp and the form id. Transport failures are
// retried a fixed number of times with a fixed delay; HTTP error statuses are
// returned to the caller as-is.
package submit
