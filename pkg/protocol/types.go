package protocol

import "fmt"

// Type is the discriminator byte that starts every message on the wire.
type Type uint8

// Message type tags. The values are part of the wire format.
const (
	TypeUploadRequest   Type = 0
	TypeUploadReply     Type = 1
	TypeDownloadRequest Type = 2
	TypeDownloadReply   Type = 3
	TypeData            Type = 4
	TypeStatusRequest   Type = 5
	TypeStatusReply     Type = 6
	TypeCrcRequest      Type = 7
	TypeCrcReply        Type = 8
	TypeAbort           Type = 9
	TypeDone            Type = 10
	TypeListRequest     Type = 11
	TypeListReply       Type = 12
	TypeListEntry       Type = 13
	TypeMoveRequest     Type = 14
	TypeMoveReply       Type = 15
	TypeRemoveRequest   Type = 16
	TypeRemoveReply     Type = 17
)

var typeNames = map[Type]string{
	TypeUploadRequest:   "upload_request",
	TypeUploadReply:     "upload_reply",
	TypeDownloadRequest: "download_request",
	TypeDownloadReply:   "download_reply",
	TypeData:            "data",
	TypeStatusRequest:   "status_request",
	TypeStatusReply:     "status_reply",
	TypeCrcRequest:      "crc_request",
	TypeCrcReply:        "crc_reply",
	TypeAbort:           "abort",
	TypeDone:            "done",
	TypeListRequest:     "list_request",
	TypeListReply:       "list_reply",
	TypeListEntry:       "list_entry",
	TypeMoveRequest:     "move_request",
	TypeMoveReply:       "move_reply",
	TypeRemoveRequest:   "remove_request",
	TypeRemoveReply:     "remove_reply",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

const (
	// PathLength is the fixed width of every path field in a request.
	// Shorter paths are NUL padded.
	PathLength = 50

	// StatusChunks bounds the number of runs carried by one StatusReply.
	StatusChunks = 40

	// MaxChunkSize is the largest chunk the u16 chunk_size field can express.
	MaxChunkSize = 0xFFFF

	// MaxMessageSize bounds one encoded message: a Data header plus a full chunk.
	MaxMessageSize = 1 + 4 + MaxChunkSize
)

// EntryKind classifies a ListEntry.
type EntryKind uint8

const (
	EntryFile EntryKind = 0
	EntryDir  EntryKind = 1
)

func (k EntryKind) String() string {
	switch k {
	case EntryFile:
		return "file"
	case EntryDir:
		return "dir"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}
