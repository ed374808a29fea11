package domain

import (
	"errors"
	"strings"
)

var ErrBadTopic = errors.New("topic must be community:channel")

// ChannelKey scopes a voice room: one pub/sub topic per community channel.
type ChannelKey struct {
	Community string
	Channel   string
}

// Topic is the wire form of a ChannelKey.
type Topic string

func (k ChannelKey) Topic() Topic {
	return Topic(k.Community + ":" + k.Channel)
}

func (k ChannelKey) String() string { return string(k.Topic()) }

func ParseTopic(raw string) (ChannelKey, error) {
	community, channel, ok := strings.Cut(raw, ":")
	if !ok || community == "" || channel == "" || strings.Contains(channel, ":") {
		return ChannelKey{}, ErrBadTopic
	}
	return ChannelKey{Community: community, Channel: channel}, nil
}
