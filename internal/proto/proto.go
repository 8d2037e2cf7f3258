package proto

import "time"

const (
	// Gossip relay topics are GossipTopicPrefix + "/" + userID.
	GossipTopicPrefix = "goopcall.signal.v1"
	MdnsTag           = "goopcall-mdns"

	// Redis relay channels are RedisChannelPrefix + ":" + userID.
	RedisChannelPrefix = "goopcall:signal"
)

// MediaKind is fixed for the lifetime of a call.
type MediaKind string

const (
	MediaAudio      MediaKind = "audio"
	MediaAudioVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaAudio || k == MediaAudioVideo
}

// HasVideo reports whether calls of this kind carry a camera track.
func (k MediaKind) HasVideo() bool { return k == MediaAudioVideo }

// Direction is fixed when the session is created.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// Peer identifies the other party of a call. The fields are opaque.
type Peer struct {
	ID          string `json:"peer_id"`
	DisplayName string `json:"peer_name,omitempty"`
	AvatarRef   string `json:"peer_avatar,omitempty"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
