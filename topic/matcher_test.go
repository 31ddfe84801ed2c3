package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchTopicFilter(t *testing.T) {
	cases := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"sport/tennis/player1", "sport/tennis/player1", true},
		{"sport/tennis/+", "sport/tennis/player1", true},
		{"sport/tennis/#", "sport/tennis/player1", true},
		{"sport/#", "sport/tennis/player1", true},
		{"#", "sport/tennis/player1", true},
		{"sport/tennis", "sport/tennis/player1", false},
		{"sport/+", "sport/tennis/player1", false},
		{"+/+", "sport/tennis", true},
		{"/finance", "/finance", true},
		{"+", "/finance", false},
		{"+/+", "/finance", true},
		{"#", "$SYS/broker/uptime", false},
		{"+/broker/uptime", "$SYS/broker/uptime", false},
		{"$SYS/broker/uptime", "$SYS/broker/uptime", true},
		{"$SYS/#", "$SYS/broker/uptime", true},
	}

	for _, c := range cases {
		got := matchTopicFilter(c.filter, c.topic)
		assert.Equal(t, c.want, got, "filter=%q topic=%q", c.filter, c.topic)
	}
}
