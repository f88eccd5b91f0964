// Package gatt maps the OTA service onto GATT characteristics. The Router
// turns attribute events into state machine calls; the Peripheral is the
// BLE stack that delivers those events.
package gatt

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Characteristic identifies one characteristic of the OTA service.
type Characteristic int

const (
	CharFileBlock Characteristic = iota + 1
	CharTotalFileSize
	CharFileHash
	CharStatus
	CharCommand
	CharFinishedUpload
)

// Characteristics lists every characteristic in registration order.
var Characteristics = []Characteristic{
	CharFileBlock,
	CharTotalFileSize,
	CharFileHash,
	CharStatus,
	CharCommand,
	CharFinishedUpload,
}

func (c Characteristic) String() string {
	switch c {
	case CharFileBlock:
		return "file_block"
	case CharTotalFileSize:
		return "total_file_size"
	case CharFileHash:
		return "file_hash"
	case CharStatus:
		return "status"
	case CharCommand:
		return "command"
	case CharFinishedUpload:
		return "finished_upload"
	default:
		return fmt.Sprintf("characteristic(%d)", int(c))
	}
}

// UUIDs is the identity of the service and its characteristics. Treat it
// as immutable once built.
type UUIDs struct {
	Service        uuid.UUID
	FileBlock      uuid.UUID
	TotalFileSize  uuid.UUID
	FileHash       uuid.UUID
	Status         uuid.UUID
	Command        uuid.UUID
	FinishedUpload uuid.UUID
}

// UUIDStrings holds textual UUIDs, typically from configuration. Empty
// fields fall back to DefaultUUIDs.
type UUIDStrings struct {
	Service        string
	FileBlock      string
	TotalFileSize  string
	FileHash       string
	Status         string
	Command        string
	FinishedUpload string
}

var (
	ErrDuplicateUUID = errors.New("gatt: duplicate UUID")
	ErrNilUUID       = errors.New("gatt: nil UUID")
)

// DefaultUUIDs returns the UUID set shipped with the reference firmware,
// so existing uploaders work unchanged.
func DefaultUUIDs() UUIDs {
	return UUIDs{
		Service:        uuid.MustParse("81ea96fb-1117-4ea4-9df0-d30cd73e0e76"),
		FileBlock:      uuid.MustParse("075e8648-5b20-42c9-a492-b0ce7548be7c"),
		TotalFileSize:  uuid.MustParse("92e8d217-f306-418e-b75b-894b288b6664"),
		FileHash:       uuid.MustParse("923930e3-686a-409e-a1e0-c7bbd8bb3d50"),
		Status:         uuid.MustParse("e4ccad22-e983-42a9-9c95-7f4909ff885f"),
		Command:        uuid.MustParse("92fa0fe8-35ff-442f-a00c-010ebd91ef6a"),
		FinishedUpload: uuid.MustParse("e6b7ae4f-d7ff-43f6-a378-86cf740040db"),
	}
}

// RandomUUIDs returns a fresh random (version 4) UUID set.
func RandomUUIDs() (UUIDs, error) {
	var u UUIDs
	for _, p := range u.fields() {
		id, err := uuid.NewRandom()
		if err != nil {
			return UUIDs{}, fmt.Errorf("gatt: generating UUID: %w", err)
		}
		*p = id
	}
	return u, u.Validate()
}

// ParseUUIDs parses s, filling empty fields from DefaultUUIDs.
func ParseUUIDs(s UUIDStrings) (UUIDs, error) {
	u := DefaultUUIDs()
	raw := []struct {
		name string
		text string
		dst  *uuid.UUID
	}{
		{"service", s.Service, &u.Service},
		{CharFileBlock.String(), s.FileBlock, &u.FileBlock},
		{CharTotalFileSize.String(), s.TotalFileSize, &u.TotalFileSize},
		{CharFileHash.String(), s.FileHash, &u.FileHash},
		{CharStatus.String(), s.Status, &u.Status},
		{CharCommand.String(), s.Command, &u.Command},
		{CharFinishedUpload.String(), s.FinishedUpload, &u.FinishedUpload},
	}
	for _, r := range raw {
		if r.text == "" {
			continue
		}
		id, err := uuid.Parse(r.text)
		if err != nil {
			return UUIDs{}, fmt.Errorf("gatt: parsing %s UUID %q: %w", r.name, r.text, err)
		}
		*r.dst = id
	}
	return u, u.Validate()
}

// Validate rejects nil and repeated UUIDs.
func (u UUIDs) Validate() error {
	seen := make(map[uuid.UUID]bool, 7)
	for _, p := range u.fields() {
		if *p == uuid.Nil {
			return ErrNilUUID
		}
		if seen[*p] {
			return fmt.Errorf("%w: %s", ErrDuplicateUUID, *p)
		}
		seen[*p] = true
	}
	return nil
}

// Get returns the UUID of c.
func (u UUIDs) Get(c Characteristic) uuid.UUID {
	switch c {
	case CharFileBlock:
		return u.FileBlock
	case CharTotalFileSize:
		return u.TotalFileSize
	case CharFileHash:
		return u.FileHash
	case CharStatus:
		return u.Status
	case CharCommand:
		return u.Command
	case CharFinishedUpload:
		return u.FinishedUpload
	default:
		return uuid.Nil
	}
}

// Lookup maps a characteristic UUID back to its identity.
func (u UUIDs) Lookup(id uuid.UUID) (Characteristic, bool) {
	for _, c := range Characteristics {
		if u.Get(c) == id {
			return c, true
		}
	}
	return 0, false
}

// Strings returns the textual form of u.
func (u UUIDs) Strings() UUIDStrings {
	return UUIDStrings{
		Service:        u.Service.String(),
		FileBlock:      u.FileBlock.String(),
		TotalFileSize:  u.TotalFileSize.String(),
		FileHash:       u.FileHash.String(),
		Status:         u.Status.String(),
		Command:        u.Command.String(),
		FinishedUpload: u.FinishedUpload.String(),
	}
}

func (u *UUIDs) fields() []*uuid.UUID {
	return []*uuid.UUID{
		&u.Service, &u.FileBlock, &u.TotalFileSize, &u.FileHash,
		&u.Status, &u.Command, &u.FinishedUpload,
	}
}
