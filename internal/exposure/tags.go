package exposure

import "time"

const (
	DateFormat     = "2006-01-02"
	DateTimeFormat = "2006-01-02T15:04:05.000"
)

// Tag is one header item. Tag order is significant and names may repeat.
type Tag struct {
	Name    string
	Value   interface{}
	Comment string
}

// Tags is an ordered header.
type Tags []Tag

// Index of the first tag named name, or -1.
func (t Tags) Index(name string) int {
	for i := range t {
		if t[i].Name == name {
			return i
		}
	}
	return -1
}

// With sets the value of the first tag named name, appending it if missing.
func (t Tags) With(name string, value interface{}) Tags {
	if i := t.Index(name); i >= 0 {
		t[i].Value = value
		return t
	}
	return append(t, Tag{Name: name, Value: value})
}

// WithComment sets the comment of the first tag named name.
func (t Tags) WithComment(name, comment string) Tags {
	if i := t.Index(name); i >= 0 {
		t[i].Comment = comment
		return t
	}
	return append(t, Tag{Name: name, Comment: comment})
}

// Clone returns an independent copy.
func (t Tags) Clone() Tags {
	return append(Tags(nil), t...)
}

// DefaultHeader is the header template every driver starts from.
func DefaultHeader() Tags {
	return Tags{
		{Name: "TIMESYS", Value: "TAI", Comment: "The time scale used"},
		{Name: "DATE", Comment: "Creation Date and Time of File"},
		{Name: "DATE-OBS", Comment: "Date of observation (image acquisition)"},
		{Name: "DATE-BEG", Comment: "Time at the start of integration"},
		{Name: "DATE-END", Comment: "Time at the start of readout"},
		{Name: "EXPTIME", Comment: "Exposure time in seconds"},
		{Name: "IMGTYPE", Comment: "Image type"},
		{Name: "INSTRUME", Comment: "Instrument name"},
		{Name: "CAMMODEL", Comment: "Camera make and model"},
		{Name: "WIDTH", Comment: "Image width in pixels"},
		{Name: "HEIGHT", Comment: "Image height in pixels"},
		{Name: "OBSID", Comment: "Image name from image naming service"},
		{Name: "DAYOBS", Comment: "The observation day as defined by image name"},
		{Name: "SEQNUM", Comment: "Sequence number of the image"},
		{Name: "CAMCODE", Comment: "The code for the camera"},
		{Name: "CONTRLLR", Comment: "The controller (e.g. O for OCS, C for CCS)"},
		{Name: "CURINDEX", Comment: "Index number for frame within the sequence"},
		{Name: "MAXINDEX", Comment: "Total number of frames in sequence"},
	}
}

// DayObs is the observing day of t: the UTC date twelve hours earlier.
func DayObs(t time.Time) string {
	return t.UTC().Add(-12 * time.Hour).Format("20060102")
}
