package domain

// Workspace is an exclusive, job-scoped temporary filesystem area. Its
// lifetime is strictly contained within its owning job's lifetime and it
// is never shared between jobs.
type Workspace struct {
	JobID JobID
	Path  string
}
