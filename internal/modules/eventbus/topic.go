// README: Dot-separated topics with single (*) and multi-segment (**) wildcards.
package eventbus

import (
	"strings"

	"ridecore/internal/types"
)

type Topic string

const (
	wildcardOne  = "*"
	wildcardTail = "**"
)

func BookingStatusTopic(bookingID types.ID) Topic {
	return Topic("booking." + string(bookingID) + ".status")
}

func BookingLocationTopic(bookingID types.ID) Topic {
	return Topic("booking." + string(bookingID) + ".location")
}

// BookingTopics matches every topic of one booking.
func BookingTopics(bookingID types.ID) Topic {
	return Topic("booking." + string(bookingID) + ".*")
}

func DriverRideRequestTopic(driverID types.ID) Topic {
	return Topic("driver." + string(driverID) + ".ride_request")
}

func (t Topic) Segments() []string {
	if t == "" {
		return nil
	}
	return strings.Split(string(t), ".")
}

// IsPattern reports whether t contains a wildcard segment.
func (t Topic) IsPattern() bool {
	for _, seg := range t.Segments() {
		if seg == wildcardOne || seg == wildcardTail {
			return true
		}
	}
	return false
}

// Valid reports whether t is non-empty with no empty segments.
func (t Topic) Valid() bool {
	segs := t.Segments()
	if len(segs) == 0 {
		return false
	}
	for _, s := range segs {
		if s == "" {
			return false
		}
	}
	return true
}

// Match reports whether the concrete topic matches pattern.
func Match(pattern, topic Topic) bool {
	return matchSegments(pattern.Segments(), topic.Segments())
}

func matchSegments(pattern, topic []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case wildcardTail:
			rest := pattern[1:]
			for i := 0; i <= len(topic); i++ {
				if matchSegments(rest, topic[i:]) {
					return true
				}
			}
			return false
		case wildcardOne:
			if len(topic) == 0 {
				return false
			}
		default:
			if len(topic) == 0 || topic[0] != pattern[0] {
				return false
			}
		}
		pattern = pattern[1:]
		topic = topic[1:]
	}
	return len(topic) == 0
}
