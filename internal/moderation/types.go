package moderation

// Flag is published to moderation.flagged by the moderator service when a
// message already delivered to a room matches the filter.
type Flag struct {
	RoomID    string `json:"roomId"`
	Username  string `json:"username"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	Server    string `json:"server"`
	Reason    string `json:"reason"`
	Term      string `json:"term"`
}
