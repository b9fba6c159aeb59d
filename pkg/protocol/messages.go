package protocol

// Message is one decoded protocol message. The set of implementations is
// closed: every Message is one of the types in this file.
type Message interface {
	Type() Type
	appendBody(b []byte) ([]byte, error)
}

// UploadRequest opens an upload session on the receiver.
type UploadRequest struct {
	ChunkSize uint16
	Size      uint32
	CRC32     uint32
	MemHint   uint32
	Backend   uint8
	Path      string
}

// UploadReply accepts or rejects an UploadRequest.
type UploadReply struct {
	Result Result
}

// DownloadRequest opens a download session on the sender.
type DownloadRequest struct {
	ChunkSize uint16
	MemAddr   uint32
	MemSize   uint32
	Backend   uint8
	Path      string
}

// DownloadReply carries the size and CRC32 of the artifact being downloaded.
type DownloadReply struct {
	Result Result
	Size   uint32
	CRC32  uint32
}

// Data carries one chunk. Chunk is encoded little-endian.
type Data struct {
	Chunk uint32
	Bytes []byte
}

// StatusRequest asks the receiver for its chunk status.
type StatusRequest struct{}

// Run is a band of Count missing chunks starting at Next.
type Run struct {
	Next  uint32
	Count uint16
}

// StatusReply is the wire form of a chunk bitmap: counts plus at most
// StatusChunks runs of missing chunks.
type StatusReply struct {
	Result   Result
	Complete uint32
	Total    uint32
	Runs     []Run
}

// Missing returns the number of chunks covered by the runs.
func (m StatusReply) Missing() uint64 {
	var n uint64
	for _, r := range m.Runs {
		n += uint64(r.Count)
	}
	return n
}

// CrcRequest asks for the CRC32 of the artifact as stored.
type CrcRequest struct{}

// CrcReply answers a CrcRequest.
type CrcReply struct {
	Result Result
	CRC32  uint32
}

// Abort discards the transfer and its partial artifacts. It has no reply.
type Abort struct{}

// Done completes the transfer and drops its sidecar. It has no reply.
type Done struct{}

// ListRequest asks for the entries of a directory.
type ListRequest struct {
	Backend uint8
	Path    string
}

// ListReply announces how many ListEntry messages follow.
type ListReply struct {
	Result  Result
	Entries uint16
}

// ListEntry is one directory entry. Path is the variable tail of the message.
type ListEntry struct {
	Index uint16
	Kind  EntryKind
	Size  uint32
	Path  string
}

// MoveRequest renames From to To.
type MoveRequest struct {
	Backend uint8
	From    string
	To      string
}

// MoveReply answers a MoveRequest.
type MoveReply struct {
	Result Result
}

// RemoveRequest deletes Path.
type RemoveRequest struct {
	Backend uint8
	Path    string
}

// RemoveReply answers a RemoveRequest.
type RemoveReply struct {
	Result Result
}

func (UploadRequest) Type() Type   { return TypeUploadRequest }
func (UploadReply) Type() Type     { return TypeUploadReply }
func (DownloadRequest) Type() Type { return TypeDownloadRequest }
func (DownloadReply) Type() Type   { return TypeDownloadReply }
func (Data) Type() Type            { return TypeData }
func (StatusRequest) Type() Type   { return TypeStatusRequest }
func (StatusReply) Type() Type     { return TypeStatusReply }
func (CrcRequest) Type() Type      { return TypeCrcRequest }
func (CrcReply) Type() Type        { return TypeCrcReply }
func (Abort) Type() Type           { return TypeAbort }
func (Done) Type() Type            { return TypeDone }
func (ListRequest) Type() Type     { return TypeListRequest }
func (ListReply) Type() Type       { return TypeListReply }
func (ListEntry) Type() Type       { return TypeListEntry }
func (MoveRequest) Type() Type     { return TypeMoveRequest }
func (MoveReply) Type() Type       { return TypeMoveReply }
func (RemoveRequest) Type() Type   { return TypeRemoveRequest }
func (RemoveReply) Type() Type     { return TypeRemoveReply }
