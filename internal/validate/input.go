// Package validate enforces type and range constraints on every input event
// a viewer sends before the relay forwards it to an agent. Validation is
// total: any payload that fails to decode or falls outside its bounds is
// reported as rejected, and the dispatcher drops it silently — a hostile
// viewer must not be able to push malformed input into the agent's
// injection layer, and must learn nothing from the attempt.
package validate

import (
	"encoding/json"
	"math"
)

// Coordinate and payload bounds. Mouse coordinates are screen-native; the
// small negative allowance covers multi-monitor layouts whose virtual origin
// sits slightly left of or above zero.
const (
	coordMin = -10
	coordMax = 100000

	maxKeyLen  = 20
	maxTextLen = 500

	qualityMin = 10
	qualityMax = 100
	fpsMin     = 1
	fpsMax     = 60
)

// Viewer-originated event names understood by the relay. Anything else from
// a viewer is dropped without a reply.
const (
	EventMouseMove        = "mouse-move"
	EventMouseClick       = "mouse-click"
	EventMouseDoubleClick = "mouse-double-click"
	EventMouseRightClick  = "mouse-right-click"
	EventMouseDown        = "mouse-down"
	EventMouseUp          = "mouse-up"
	EventMouseScroll      = "mouse-scroll"
	EventKeyPress         = "key-press"
	EventKeyType          = "key-type"
	EventUpdateQuality    = "update-quality"
	EventUpdateFPS        = "update-fps"
	EventListScreens      = "list-screens"
	EventSwitchScreen     = "switch-screen"
	EventClipboardWrite   = "clipboard-write"
	EventClipboardRead    = "clipboard-read"
)

// validButtons is the closed set of accepted mouse button names.
var validButtons = map[string]struct{}{
	"left":   {},
	"right":  {},
	"middle": {},
}

// validModifiers is the closed set of accepted key modifier names.
var validModifiers = map[string]struct{}{
	"ctrl":  {},
	"alt":   {},
	"shift": {},
	"meta":  {},
}

type mousePayload struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Button string  `json:"button,omitempty"`
}

type scrollPayload struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	DeltaX float64 `json:"deltaX"`
	DeltaY float64 `json:"deltaY"`
}

type keyPressPayload struct {
	Key       string   `json:"key"`
	Modifiers []string `json:"modifiers,omitempty"`
}

type textPayload struct {
	Text string `json:"text"`
}

type qualityPayload struct {
	Quality int `json:"quality"`
}

type fpsPayload struct {
	FPS int `json:"fps"`
}

type switchScreenPayload struct {
	DisplayID int `json:"displayId"`
}

// Inbound reports whether a viewer event with the given payload may be
// forwarded to the agent. Unknown events are rejected. The raw payload is
// only inspected, never rewritten — the dispatcher forwards the original
// bytes so numeric contents pass through untouched.
func Inbound(event string, data json.RawMessage) bool {
	switch event {
	case EventMouseMove, EventMouseClick, EventMouseDoubleClick,
		EventMouseRightClick, EventMouseDown, EventMouseUp:
		var p mousePayload
		if !decode(data, &p) {
			return false
		}
		if !coordOK(p.X) || !coordOK(p.Y) {
			return false
		}
		if p.Button != "" {
			if _, ok := validButtons[p.Button]; !ok {
				return false
			}
		}
		return true

	case EventMouseScroll:
		var p scrollPayload
		if !decode(data, &p) {
			return false
		}
		return coordOK(p.X) && coordOK(p.Y) && finite(p.DeltaX) && finite(p.DeltaY)

	case EventKeyPress:
		var p keyPressPayload
		if !decode(data, &p) {
			return false
		}
		if p.Key == "" || len(p.Key) > maxKeyLen {
			return false
		}
		for _, m := range p.Modifiers {
			if _, ok := validModifiers[m]; !ok {
				return false
			}
		}
		return true

	case EventKeyType, EventClipboardWrite:
		var p textPayload
		if !decode(data, &p) {
			return false
		}
		return len(p.Text) <= maxTextLen

	case EventUpdateQuality:
		var p qualityPayload
		if !decode(data, &p) {
			return false
		}
		return p.Quality >= qualityMin && p.Quality <= qualityMax

	case EventUpdateFPS:
		var p fpsPayload
		if !decode(data, &p) {
			return false
		}
		return p.FPS >= fpsMin && p.FPS <= fpsMax

	case EventSwitchScreen:
		var p switchScreenPayload
		if !decode(data, &p) {
			return false
		}
		return p.DisplayID >= 0

	case EventListScreens, EventClipboardRead:
		// No payload to validate.
		return true
	}

	return false
}

// decode unmarshals data into dst. A missing payload decodes as the zero
// value, which the per-event range checks then judge; a payload of the
// wrong shape (e.g. {"x":"NaN"}) fails outright.
func decode(data json.RawMessage, dst any) bool {
	if len(data) == 0 {
		return true
	}
	return json.Unmarshal(data, dst) == nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func coordOK(v float64) bool {
	return finite(v) && v >= coordMin && v <= coordMax
}
