package core

// Client priority constants. Lower number means higher scheduling
// priority, so precious resources carry the largest values and free
// quotas get drained first.
const (
	PriorityMostPrecious = 100
	PriorityExpensive    = 80
	PriorityNormal       = 50
	PriorityConsumables  = 20
	PriorityFreebie      = 0

	// Deltas for fine-tuning relative to the bands above.
	PriorityHigher = -5
	PriorityLower  = 5

	PriorityMorePrecious = PriorityLower
	PriorityLessPrecious = PriorityHigher
)
