package nsq

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// validTopicChannelName matches nsqd's own topic/channel naming rule:
// alphanumerics, '.', '_', '-', 1-64 bytes, with an optional "#ephemeral"
// suffix on channel names.
var validTopicChannelName = regexp.MustCompile(`^[.a-zA-Z0-9_-]+(#ephemeral)?$`)

// IsValidTopicName reports whether name is an acceptable topic name.
func IsValidTopicName(name string) bool {
	return len(name) > 0 && len(name) <= 64 && validTopicChannelName.MatchString(name)
}

// IsValidChannelName reports whether name is an acceptable channel name.
func IsValidChannelName(name string) bool {
	return len(name) > 0 && len(name) <= 64 && validTopicChannelName.MatchString(name)
}

// MagicV2 is the initial identifier sent when connecting for V2 clients
var MagicV2 = []byte("  V2")

// frame types, as defined in the NSQ protocol spec
// http://nsq.io/clients/tcp_protocol_spec.html
const (
	FrameTypeResponse int32 = 0
	FrameTypeError    int32 = 1
	FrameTypeMessage  int32 = 2
)

// nsqd replies to heartbeats with a RESPONSE frame carrying this body
var heartbeatBytes = []byte("_heartbeat_")

// OK is the RESPONSE body nsqd sends for a successfully processed command
var okBytes = []byte("OK")

// closeWaitBytes is the RESPONSE body nsqd sends after CLS, before it stops
// delivering new MESSAGE frames on a connection
var closeWaitBytes = []byte("CLOSE_WAIT")

// coerceBody converts a value into the wire representation used for a
// command body. []byte is used verbatim, string is UTF-8 encoded, nil
// yields a nil body, and everything else is JSON-encoded, matching
// spec.md's body coercion rule.
func coerceBody(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case nil:
		return nil, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("nsq: unable to encode body: %w", err)
		}
		return data, nil
	}
}
