package marketplace

var (
	ErrJobNotFound  = Err("job not found")
	ErrDuplicateJob = Err("job already exists")
	ErrStaleState   = Err("job status changed since read")
)

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }
