package message

// DisplayConfiguration is the full description of the server's outputs.
// Pushed to clients whenever it changes, and sent by clients in configure_display.
type DisplayConfiguration struct {
	Cards   []DisplayCard   `json:"display_card,omitempty"`
	Outputs []DisplayOutput `json:"display_output,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type DisplayCard struct {
	CardID          uint32 `json:"card_id"`
	MaxSimultaneous uint32 `json:"max_simultaneous_outputs"`
}

type DisplayMode struct {
	HorizontalResolution uint32  `json:"horizontal_resolution"`
	VerticalResolution   uint32  `json:"vertical_resolution"`
	RefreshRate          float64 `json:"refresh_rate"`
}

type DisplayOutput struct {
	OutputID         uint32        `json:"output_id"`
	CardID           uint32        `json:"card_id"`
	Type             uint32        `json:"type"`
	PixelFormat      []PixelFormat `json:"pixel_format,omitempty"`
	CurrentFormat    PixelFormat   `json:"current_format"`
	Modes            []DisplayMode `json:"mode,omitempty"`
	CurrentMode      uint32        `json:"current_mode"`
	PreferredMode    uint32        `json:"preferred_mode"`
	PositionX        int32         `json:"position_x"`
	PositionY        int32         `json:"position_y"`
	Connected        bool          `json:"connected"`
	Used             bool          `json:"used"`
	PhysicalWidthMM  uint32        `json:"physical_width_mm"`
	PhysicalHeightMM uint32        `json:"physical_height_mm"`
	PowerMode        uint32        `json:"power_mode"`
	Orientation      uint32        `json:"orientation"`
}

// Clone returns a deep copy, so a sink can hand out snapshots while later
// updates replace its own copy.
func (c *DisplayConfiguration) Clone() *DisplayConfiguration {
	if c == nil {
		return nil
	}
	out := &DisplayConfiguration{
		Cards:   append([]DisplayCard(nil), c.Cards...),
		Outputs: make([]DisplayOutput, len(c.Outputs)),
		Error:   c.Error,
	}
	for i, o := range c.Outputs {
		o.PixelFormat = append([]PixelFormat(nil), o.PixelFormat...)
		o.Modes = append([]DisplayMode(nil), o.Modes...)
		out.Outputs[i] = o
	}
	return out
}
