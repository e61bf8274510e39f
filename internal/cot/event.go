// Package cot models Cursor-on-Target sensor events and publishes them to a
// TAK-style consumer over a persistent TCP stream.
package cot

import (
	"encoding/xml"
	"time"

	"github.com/banshee-data/bearing.relay/internal/sensor"
)

const (
	// Version is the CoT schema version stamped on every event.
	Version = "2.0"
	// SensorType is the CoT type code used for direction-finding sensor
	// events.
	SensorType = "a-f-G-U-C"
	// HowMachineGenerated marks the event as machine generated.
	HowMachineGenerated = "m-g"
	// DefaultStaleAfter is how long a consumer should keep showing an event.
	DefaultStaleAfter = time.Hour
	// TimeLayout renders UTC timestamps at second precision with a Z suffix.
	TimeLayout = "2006-01-02T15:04:05Z07:00"
)

// Event is a CoT <event>. Field order is wire order.
type Event struct {
	XMLName xml.Name `xml:"event"`
	Version string   `xml:"version,attr"`
	UID     string   `xml:"uid,attr"`
	Type    string   `xml:"type,attr"`
	Time    string   `xml:"time,attr"`
	Start   string   `xml:"start,attr"`
	Stale   string   `xml:"stale,attr"`
	How     string   `xml:"how,attr"`
	Detail  Detail   `xml:"detail"`
	Point   Point    `xml:"point"`
}

// Point is the event location in WGS84 degrees and metres.
type Point struct {
	Lat float32 `xml:"lat,attr" json:"lat"`
	Lon float32 `xml:"lon,attr" json:"lon"`
	CE  float32 `xml:"ce,attr" json:"ce"`
	HAE float32 `xml:"hae,attr" json:"hae"`
	LE  float32 `xml:"le,attr" json:"le"`
}

// DefaultPoint is the sensor position used when none is configured.
var DefaultPoint = Point{Lat: 12, Lon: 12, CE: 10, HAE: 10, LE: 10}

// Detail carries the sensor cone and its map styling.
type Detail struct {
	Sensor       Sensor   `xml:"sensor"`
	Links        []Link   `xml:"link"`
	StrokeColor  IntVal   `xml:"strokeColor"`
	StrokeWeight FloatVal `xml:"strokeWeight"`
	FillColor    IntVal   `xml:"fillColor"`
	Contact      Contact  `xml:"contact"`
	Remarks      []Remark `xml:"remarks"`
	Archive      Archive  `xml:"archive"`
	LabelsOn     BoolVal  `xml:"labels_on"`
	Color        IntVal   `xml:"color"`
}

// Sensor describes the bearing cone drawn by the display.
type Sensor struct {
	VFOV                     uint32  `xml:"vfov,attr"`
	Elevation                uint32  `xml:"elevation,attr"`
	FOVBlue                  float32 `xml:"fovBlue,attr"`
	FOVRed                   float32 `xml:"fovRed,attr"`
	StrokeWeight             float32 `xml:"strokeWeight,attr"`
	Roll                     uint32  `xml:"roll,attr"`
	Range                    int32   `xml:"range,attr"`
	Azimuth                  int32   `xml:"azimuth,attr"`
	RangeLineStrokeWeight    float32 `xml:"rangeLineStrokeWeight,attr"`
	FOV                      uint32  `xml:"fov,attr"`
	RangeLineStrokeColor     int32   `xml:"rangeLineStrokeColor,attr"`
	FOVGreen                 float32 `xml:"fovGreen,attr"`
	FOVLabels                bool    `xml:"fovLabels,attr"`
	DisplayMagneticReference int32   `xml:"displayMagneticReference,attr"`
	StrokeColor              int32   `xml:"strokeColor,attr"`
	RangeLines               int32   `xml:"rangeLines,attr"`
	FOVAlpha                 float32 `xml:"fovAlpha,attr"`
}

// Link references a related CoT entity.
type Link struct {
	Point string `xml:"point,attr"`
}

// Remark is a free-text note. The relay never fills one in.
type Remark struct{}

// Archive is an empty marker asking the consumer to keep the event.
type Archive struct{}

// Contact names the sensor on the display.
type Contact struct {
	Callsign string `xml:"callsign,attr"`
}

// IntVal is an element carrying an integer value attribute, such as a color.
type IntVal struct {
	Value int32 `xml:"value,attr"`
}

// FloatVal is an element carrying a float value attribute.
type FloatVal struct {
	Value float32 `xml:"value,attr"`
}

// BoolVal is an element carrying a boolean value attribute.
type BoolVal struct {
	Value bool `xml:"value,attr"`
}

// Styling applied to every sensor cone.
const (
	blackARGB        int32 = -16777216
	whiteARGB        int32 = -1
	translucentWhite int32 = -1761607681
	coneAlpha              = 0.2627450980392157
)

// FormatTime renders t in UTC at second precision.
func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimeLayout)
}

// NewSensorEvent builds the event for a finding observed at now. time and
// start are both now; stale is now+staleAfter.
func NewSensorEvent(f sensor.Finding, p Point, now time.Time, staleAfter time.Duration) Event {
	now = now.UTC().Truncate(time.Second)
	stamp := FormatTime(now)
	return Event{
		Version: Version,
		UID:     f.UID,
		Type:    SensorType,
		Time:    stamp,
		Start:   stamp,
		Stale:   FormatTime(now.Add(staleAfter)),
		How:     HowMachineGenerated,
		Detail: Detail{
			Sensor: Sensor{
				VFOV:                  f.FieldOfView,
				FOVRed:                1,
				Range:                 f.Range,
				Azimuth:               f.Azimuth,
				RangeLineStrokeWeight: 0.55,
				FOV:                   f.FieldOfView,
				RangeLineStrokeColor:  blackARGB,
				FOVLabels:             true,
				StrokeColor:           blackARGB,
				RangeLines:            500,
				FOVAlpha:              coneAlpha,
			},
			StrokeColor:  IntVal{Value: whiteARGB},
			StrokeWeight: FloatVal{Value: 4},
			FillColor:    IntVal{Value: translucentWhite},
			Contact:      Contact{Callsign: f.ContactID},
			LabelsOn:     BoolVal{Value: false},
			Color:        IntVal{Value: whiteARGB},
		},
		Point: p,
	}
}
