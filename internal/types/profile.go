package types

// InstrumentProfile describes the attribute namespace of one instrument model:
// its context attributes, devices, channels and scan formats.
type InstrumentProfile struct {
	Profile ProfileInfo           `json:"profile"`
	Context []AttributeDefinition `json:"context_attributes"`
	Devices []DeviceDefinition    `json:"devices"`
}

type ProfileInfo struct {
	ID          string `json:"id"`
	Vendor      string `json:"vendor"`
	Model       string `json:"model"`
	Firmware    string `json:"firmware"`
	Description string `json:"description,omitempty"`
}

type DeviceDefinition struct {
	Name       string                `json:"name"`
	Attributes []AttributeDefinition `json:"attributes,omitempty"`
	Buffer     []AttributeDefinition `json:"buffer_attributes,omitempty"`
	Channels   []ChannelDefinition   `json:"channels,omitempty"`
}

type ChannelDefinition struct {
	ID         string                `json:"id"`
	Output     bool                  `json:"output"`
	Scan       *ScanFormat           `json:"scan,omitempty"`
	Attributes []AttributeDefinition `json:"attributes,omitempty"`
}

// ScanFormat mirrors the kernel scan element description, e.g. le:S12/16>>0.
type ScanFormat struct {
	Index     int  `json:"index"`
	Bits      int  `json:"bits"`
	Storage   int  `json:"storage"`
	Shift     int  `json:"shift"`
	Signed    bool `json:"signed"`
	BigEndian bool `json:"big_endian,omitempty"`
}

type AttrType string

const (
	AttrTypeString AttrType = "string"
	AttrTypeDouble AttrType = "double"
	AttrTypeBool   AttrType = "bool"
	AttrTypeLong   AttrType = "long"
)

type AttributeDefinition struct {
	Name     string   `json:"name"`
	Type     AttrType `json:"type"`
	Default  string   `json:"default"`
	Options  []string `json:"options,omitempty"`
	Since    string   `json:"since,omitempty"`
	ReadOnly bool     `json:"read_only,omitempty"`
}

// Device returns the named device definition.
func (p *InstrumentProfile) Device(name string) (*DeviceDefinition, bool) {
	for i := range p.Devices {
		if p.Devices[i].Name == name {
			return &p.Devices[i], true
		}
	}
	return nil, false
}

// Channel returns the channel definition with the given id and direction.
func (d *DeviceDefinition) Channel(id string, output bool) (*ChannelDefinition, bool) {
	for i := range d.Channels {
		if d.Channels[i].ID == id && d.Channels[i].Output == output {
			return &d.Channels[i], true
		}
	}
	return nil, false
}
