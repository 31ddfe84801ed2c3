package topic

import "strings"

// TopicMatcher exposes the trie's matching rule as a standalone predicate,
// useful for validating a single (filter, topic) pair without a trie.
type TopicMatcher struct{}

func NewTopicMatcher() *TopicMatcher {
	return &TopicMatcher{}
}

func (tm *TopicMatcher) Match(filter, topic string) bool {
	return matchTopicFilter(filter, topic)
}

// matchTopicFilter reports whether filter matches topic per MQTT 3.1.1
// wildcard rules. A topic level beginning with '$' is excluded from a
// filter whose first level is a wildcard ('+' or '#') — it is not enough
// for the filter to merely contain a wildcard somewhere.
func matchTopicFilter(filter, topic string) bool {
	filterLevels := splitTopicLevels(filter)
	topicLevels := splitTopicLevels(topic)

	if len(topicLevels) > 0 && strings.HasPrefix(topicLevels[0], "$") && len(filterLevels) > 0 {
		first := filterLevels[0]
		if first == "#" || first == "+" {
			return false
		}
	}

	if filter == topic {
		return true
	}

	return matchLevels(filterLevels, topicLevels)
}

func matchLevels(filterLevels, topicLevels []string) bool {
	filterLen := len(filterLevels)
	topicLen := len(topicLevels)

	fi := 0
	ti := 0

	for fi < filterLen && ti < topicLen {
		filterLevel := filterLevels[fi]

		if filterLevel == "#" {
			return true
		}

		if filterLevel == "+" {
			fi++
			ti++
			continue
		}

		if filterLevel != topicLevels[ti] {
			return false
		}

		fi++
		ti++
	}

	if fi < filterLen {
		return filterLen-fi == 1 && filterLevels[fi] == "#"
	}

	return ti == topicLen
}
