// Copyright 2026 The Duplexio Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package wire

// Kind identifies the concrete Command variant on the wire.
type Kind uint8

const (
	KindUserRequest Kind = iota + 1
	KindResponse
	KindRPCRequest
	KindRPCResponse
	KindStreamChunk
	KindStreamEOF
	KindStreamWindow
	KindPipeConnect
	KindJarPresent
	KindChannelClose
	KindCancelRequest
	KindReadRequest
	KindClassRequest
	KindClassReply
	KindRelease
	KindJarFetchRequest
	KindJarFetchReply
)

func (k Kind) String() string {
	switch k {
	case KindUserRequest:
		return "UserRequest"
	case KindResponse:
		return "Response"
	case KindRPCRequest:
		return "RPCRequest"
	case KindRPCResponse:
		return "RPCResponse"
	case KindStreamChunk:
		return "StreamChunk"
	case KindStreamEOF:
		return "StreamEOF"
	case KindStreamWindow:
		return "StreamWindow"
	case KindPipeConnect:
		return "PipeConnect"
	case KindJarPresent:
		return "JarPresent"
	case KindChannelClose:
		return "ChannelClose"
	case KindCancelRequest:
		return "CancelRequest"
	case KindReadRequest:
		return "ReadRequest"
	case KindClassRequest:
		return "ClassRequest"
	case KindClassReply:
		return "ClassReply"
	case KindRelease:
		return "Release"
	case KindJarFetchRequest:
		return "JarFetchRequest"
	case KindJarFetchReply:
		return "JarFetchReply"
	default:
		return "Unknown"
	}
}

// Command is the abstract tagged envelope exchanged on a Channel.
type Command interface {
	Kind() Kind
}

// Stamped is implemented by commands that carry an optional diagnostic
// stack trace captured at creation time.
type Stamped interface {
	Command
	Site() []string
	SetSite(frames []string)
}

type base struct {
	StackSite []string
}

func (b *base) Site() []string          { return b.StackSite }
func (b *base) SetSite(frames []string) { b.StackSite = frames }

// UserRequest carries a user Callable and its encoded call context.
type UserRequest struct {
	base
	ID          int64
	Callable    Payload
	LastIoIDAt  int64 // pipe-writer task id observed by sender at send time
	Async       bool
	TimeoutNano int64 // 0 means no deadline
}

func (*UserRequest) Kind() Kind { return KindUserRequest }

// Response correlates to a Request by ID and carries either a result
// payload or a captured RemoteException.
type Response struct {
	base
	ID       int64
	Result   Payload
	Err      *RemoteException
	LastIoID int64 // pipe-writer task id the receiver must observe first
}

func (*Response) Kind() Kind { return KindResponse }

// RPCRequest invokes a method on an exported object.
type RPCRequest struct {
	base
	ID       int64
	OID      int64
	Method   string
	Args     []Payload
	Async    bool
	LastIoID int64
}

func (*RPCRequest) Kind() Kind { return KindRPCRequest }

// RPCResponse is the reply to an RPCRequest.
type RPCResponse struct {
	base
	ID     int64
	Result Payload
	Err    *RemoteException
}

func (*RPCResponse) Kind() Kind { return KindRPCResponse }

// StreamChunk carries a fragment of a proxied output stream.
type StreamChunk struct {
	base
	OID  int64
	Data []byte
}

func (*StreamChunk) Kind() Kind { return KindStreamChunk }

// StreamEOF closes a proxied stream, optionally with an error that
// must surface on the next read.
type StreamEOF struct {
	base
	OID     int64
	ErrText string // empty means clean EOF
}

func (*StreamEOF) Kind() Kind { return KindStreamEOF }

// StreamWindow refills the sender's flow-control credit.
type StreamWindow struct {
	base
	OID           int64
	BytesConsumed int64
}

func (*StreamWindow) Kind() Kind { return KindStreamWindow }

// ReadRequest asks the remote input-stream sink for up to MaxLen bytes.
type ReadRequest struct {
	base
	ID     int64
	OID    int64
	MaxLen int32
}

func (*ReadRequest) Kind() Kind { return KindReadRequest }

// PipeConnect links the two peer-side oids of a pipe after both ends
// have been deserialized.
type PipeConnect struct {
	base
	ReaderOID int64
	WriterOID int64
}

func (*PipeConnect) Kind() Kind { return KindPipeConnect }

// JarPresent advertises checksums the sender already holds locally, so
// the peer can prefer ClassInJar over ClassDirect for them.
type JarPresent struct {
	base
	Checksums []Checksum
}

func (*JarPresent) Kind() Kind { return KindJarPresent }

// ClassRequest asks the peer's class loader for bytes or a jar
// reference for the named class.
type ClassRequest struct {
	base
	ID       int64
	Name     string
	Prefetch bool
}

func (*ClassRequest) Kind() Kind { return KindClassRequest }

// ClassReply answers a ClassRequest with exactly one of Direct, InJar,
// or a refusal (ErrText set, both payload fields empty).
type ClassReply struct {
	base
	ID       int64
	Direct   []byte
	InJar    *JarRef
	Prefetch map[string]JarRef // className -> jar reference, for prefetch requests
	ErrText  string
}

func (*ClassReply) Kind() Kind { return KindClassReply }

// JarRef is a reference to a class living inside a cached jar.
type JarRef struct {
	Checksum     Checksum
	InternalPath string // optional
}

// JarFetchRequest asks the peer to stream back the bytes of the jar
// identified by Checksum, once ClassReply has referenced it via a
// JarRef the requester does not yet have cached locally.
type JarFetchRequest struct {
	base
	ID       int64
	Checksum Checksum
}

func (*JarFetchRequest) Kind() Kind { return KindJarFetchRequest }

// JarFetchReply answers a JarFetchRequest with the full jar bytes, or
// ErrText if the sender no longer has that checksum available.
type JarFetchReply struct {
	base
	ID      int64
	Data    []byte
	ErrText string
}

func (*JarFetchReply) Kind() Kind { return KindJarFetchReply }

// CancelRequest asks the receiver to best-effort interrupt the worker
// executing Request ID.
type CancelRequest struct {
	base
	ID int64
}

func (*CancelRequest) Kind() Kind { return KindCancelRequest }

// Release decrements the reference count of an export.
type Release struct {
	base
	OID int64
}

func (*Release) Kind() Kind { return KindRelease }

// ChannelClose begins or acknowledges channel teardown.
type ChannelClose struct {
	base
	Reason string
}

func (*ChannelClose) Kind() Kind { return KindChannelClose }
