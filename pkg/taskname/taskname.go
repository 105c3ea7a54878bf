package taskname

const (
	// Payment tasks
	PaymentEventProcess = "payment:event:process"

	// Housekeeping tasks
	PaymentEventPrune = "payment:event:prune"
)

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)
