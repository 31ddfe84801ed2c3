package topic

import "time"

// Subscription is a (client_id, topic_filter, qos_granted) triple. The pair
// (ClientID, TopicFilter) is unique within an Index; a later Subscribe call
// for the same pair overwrites QoS.
type Subscription struct {
	ClientID    string
	TopicFilter string
	QoS         byte
}

// RetainedMessage is the payload stored at an exact topic by a retained
// PUBLISH. Keyed by exact topic; never matched by wildcard expansion except
// through Index.RetainedMatching.
type RetainedMessage struct {
	Topic     string
	Payload   []byte
	QoS       byte
	UpdatedAt time.Time
}
