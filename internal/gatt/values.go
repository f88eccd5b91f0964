package gatt

import "github.com/dk731/esp32-gatt-ota/internal/ble/protocol"

// initialValue is the value a characteristic holds before any session.
func initialValue(c Characteristic) []byte {
	switch c {
	case CharStatus:
		return protocol.StatusIdle.Bytes()
	case CharTotalFileSize:
		return protocol.EncodeTotalSize(0)
	case CharFinishedUpload:
		return protocol.EncodeFinished(false, 0)
	default:
		return nil
	}
}
