// Package sensor holds the values passed between the direction-finding
// source, the mesh relay and the CoT publisher, along with the error kinds
// the relay loop uses to decide whether to skip an item or stop.
package sensor

import (
	"errors"
	"fmt"
)

// Error kinds. Callers wrap them with fmt.Errorf("...: %w", ErrX) and test
// with errors.Is.
var (
	// ErrTransport marks connection, read or write failures on the HTTP,
	// serial or TCP paths.
	ErrTransport = errors.New("transport error")
	// ErrFormat marks unparseable numeric fields in a DoA report or an
	// unparseable azimuth in a mesh text packet.
	ErrFormat = errors.New("format error")
	// ErrProtocol marks a mesh payload that is encrypted, empty or otherwise
	// not the decoded application data that was expected.
	ErrProtocol = errors.New("protocol error")
)

// Recoverable reports whether err describes a single bad item that can be
// skipped while the loop keeps running.
func Recoverable(err error) bool {
	return errors.Is(err, ErrFormat) || errors.Is(err, ErrProtocol)
}

// Finding is a single normalised bearing observation ready to become a CoT
// sensor event.
type Finding struct {
	ContactID   string `json:"contact_id"`
	FieldOfView uint32 `json:"field_of_view_degrees"`
	Range       int32  `json:"range_meters"`
	Azimuth     int32  `json:"azimuth_degrees"`
	UID         string `json:"unique_id"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s/%s az=%d fov=%d range=%d", f.UID, f.ContactID, f.Azimuth, f.FieldOfView, f.Range)
}
