package relay

import (
	"regexp"

	"github.com/pkg/errors"
)

// ChannelPathPrefix is the path prefix clients connect to, followed by the channel id.
const ChannelPathPrefix = "/ws/"

var (
	channelPath = regexp.MustCompile(`^/ws/([A-Za-z0-9_-]+)$`)
	channelID   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// ChannelFromPath extracts the channel id from a request path of the form /ws/<channelID>.
//
// The path should be the escaped form as sent on the wire, a percent encoded
// character is never a valid part of a channel id.
func ChannelFromPath(path string) (string, error) {
	m := channelPath.FindStringSubmatch(path)
	if m == nil {
		return "", errors.Wrapf(ErrInvalidChannelPath, "invalid path %q", path)
	}
	return m[1], nil
}

// ValidateChannelID will return ErrInvalidChannelID if id can't be used as a channel id.
func ValidateChannelID(id string) error {
	if !channelID.MatchString(id) {
		return errors.Wrapf(ErrInvalidChannelID, "invalid channelID %q", id)
	}
	return nil
}
