package messaging

// Topic and consumer group names
const (
	TopicOutcomes = "lightmining.outcomes" // lightminer → downstream consumers
	GroupTail     = "lightminer-tail"      // lightminer -tail
)

// Encoding formats for outcome events
const (
	FormatJSON  = "json"
	FormatProto = "proto"
)
