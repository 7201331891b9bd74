// Package transport frames client/server messages as packages:
// [flag:1][body]. Flag 0 carries data, flag 1 an error message.
package transport

import (
	"fmt"

	"github.com/sushant-115/minidb/core/storage_engine/common"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	flagData  byte = 0
	flagError byte = 1

	internalErrorMessage = "internal server error"
)

// Package is one message: data, or the error a request failed with.
type Package struct {
	Data []byte
	Err  error
}

// RemoteError is an error decoded from a package. Only its message survives
// the trip.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

// Encode frames p. An error takes precedence over data.
func Encode(p Package) []byte {
	if p.Err != nil {
		msg := p.Err.Error()
		if msg == "" {
			msg = internalErrorMessage
		}
		return append([]byte{flagError}, msg...)
	}
	return append([]byte{flagData}, p.Data...)
}

// Decode parses a framed package.
func Decode(raw []byte) (Package, error) {
	if len(raw) < 1 {
		return Package{}, fmt.Errorf("empty package: %w", common.ErrInvalidPackage)
	}
	switch raw[0] {
	case flagData:
		return Package{Data: append([]byte(nil), raw[1:]...)}, nil
	case flagError:
		return Package{Err: &RemoteError{Message: string(raw[1:])}}, nil
	default:
		return Package{}, fmt.Errorf("package flag %d: %w", raw[0], common.ErrInvalidPackage)
	}
}

// Stream is a bidirectional message stream. Both ends of a gRPC stream of
// BytesValue satisfy it.
type Stream interface {
	Send(*wrapperspb.BytesValue) error
	Recv() (*wrapperspb.BytesValue, error)
}

// Packager sends and receives packages over a stream.
type Packager struct {
	stream Stream
}

func NewPackager(stream Stream) *Packager {
	return &Packager{stream: stream}
}

func (p *Packager) Send(pkg Package) error {
	return p.stream.Send(wrapperspb.Bytes(Encode(pkg)))
}

func (p *Packager) Receive() (Package, error) {
	msg, err := p.stream.Recv()
	if err != nil {
		return Package{}, err
	}
	return Decode(msg.GetValue())
}
