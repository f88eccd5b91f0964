// Package protocol implements the wire format of the OTA GATT service:
// command bytes, status bytes and the fixed-width little-endian values
// carried by the size and finished-upload characteristics.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Command is the single byte written to the command characteristic.
type Command byte

const (
	CommandStartTransfer      Command = 0x01
	CommandClearTransfer      Command = 0x02
	CommandResetDevice        Command = 0x03
	CommandStartForceTransfer Command = 0x04
)

// Status is the single byte exposed by the status characteristic.
type Status byte

const (
	StatusIdle      Status = 0x00
	StatusReceiving Status = 0x01
	StatusVerifying Status = 0x02
	StatusSuccess   Status = 0x03
	StatusFailure   Status = 0x04
)

// Characteristic value sizes.
const (
	TotalSizeLen = 4
	DigestLen    = 32
	FinishedLen  = 8
	StatusLen    = 1
	CommandLen   = 1
)

var (
	ErrUnknownCommand = errors.New("protocol: unknown command")
	ErrUnknownStatus  = errors.New("protocol: unknown status")
	ErrInvalidLength  = errors.New("protocol: invalid value length")
)

// DecodeCommand maps a command byte to a Command.
func DecodeCommand(b byte) (Command, error) {
	switch c := Command(b); c {
	case CommandStartTransfer, CommandClearTransfer, CommandResetDevice, CommandStartForceTransfer:
		return c, nil
	default:
		return 0, fmt.Errorf("%w: 0x%02x", ErrUnknownCommand, b)
	}
}

// ParseCommand decodes a raw command characteristic write.
func ParseCommand(data []byte) (Command, error) {
	if len(data) != CommandLen {
		return 0, fmt.Errorf("%w: command is %d bytes, got %d", ErrInvalidLength, CommandLen, len(data))
	}
	return DecodeCommand(data[0])
}

func (c Command) String() string {
	switch c {
	case CommandStartTransfer:
		return "start_transfer"
	case CommandClearTransfer:
		return "clear_transfer"
	case CommandResetDevice:
		return "reset_device"
	case CommandStartForceTransfer:
		return "start_force_transfer"
	default:
		return fmt.Sprintf("command(0x%02x)", byte(c))
	}
}

// DecodeStatus maps a status byte read from a device to a Status.
func DecodeStatus(data []byte) (Status, error) {
	if len(data) != StatusLen {
		return 0, fmt.Errorf("%w: status is %d byte, got %d", ErrInvalidLength, StatusLen, len(data))
	}
	s := Status(data[0])
	if s > StatusFailure {
		return 0, fmt.Errorf("%w: 0x%02x", ErrUnknownStatus, data[0])
	}
	return s, nil
}

// Bytes returns the characteristic value for s.
func (s Status) Bytes() []byte { return []byte{byte(s)} }

// Terminal reports whether s ends a transfer.
func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusFailure }

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusReceiving:
		return "receiving"
	case StatusVerifying:
		return "verifying"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	default:
		return fmt.Sprintf("status(0x%02x)", byte(s))
	}
}

// EncodeTotalSize encodes an image size as a 4-byte little-endian value.
func EncodeTotalSize(n uint32) []byte {
	return binary.LittleEndian.AppendUint32(make([]byte, 0, TotalSizeLen), n)
}

// DecodeTotalSize decodes the total_file_size characteristic.
func DecodeTotalSize(data []byte) (uint32, error) {
	if len(data) != TotalSizeLen {
		return 0, fmt.Errorf("%w: total size is %d bytes, got %d", ErrInvalidLength, TotalSizeLen, len(data))
	}
	return binary.LittleEndian.Uint32(data), nil
}

// EncodeFinished builds the finished_upload value. Byte 0 is 1 once the
// image is committed; bytes 4..8 echo the committed size. An unfinished
// transfer reads as all zeros.
func EncodeFinished(done bool, size uint32) []byte {
	buf := make([]byte, FinishedLen)
	if done {
		buf[0] = 1
		binary.LittleEndian.PutUint32(buf[4:], size)
	}
	return buf
}

// DecodeFinished is the inverse of EncodeFinished.
func DecodeFinished(data []byte) (done bool, size uint32, err error) {
	if len(data) != FinishedLen {
		return false, 0, fmt.Errorf("%w: finished is %d bytes, got %d", ErrInvalidLength, FinishedLen, len(data))
	}
	return data[0] == 1, binary.LittleEndian.Uint32(data[4:]), nil
}
