package constants

const (
	MigrationLock = iota + 1
	SupervisorLock
)

const (
	// OutputTailLines is how much of a failed job's output becomes its error detail.
	OutputTailLines = 10
	// ShortIDLength is the prefix of a job ID used in log lines and output file names.
	ShortIDLength = 8
)
