// Package ingress turns LoRaWAN network-server uplinks into normalized
// reading payloads and feeds them to the reconciliation engine.
package ingress

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/reading"
	"github.com/02loveslollipop/Kaze-air-quality-viewer/internal/reconcile"
)

// Reconciler consumes one normalized payload.
type Reconciler interface {
	ReconcileJSON(ctx context.Context, raw []byte) (reconcile.Result, error)
}

// Uplink is the part of a The Things Stack uplink event we read.
type Uplink struct {
	EndDeviceIDs struct {
		DeviceID string `json:"device_id"`
	} `json:"end_device_ids"`
	UplinkMessage *struct {
		DecodedPayload *struct {
			Text *string `json:"text"`
		} `json:"decoded_payload"`
		FPort int `json:"f_port"`
	} `json:"uplink_message"`
}

// DecodeUplink extracts the sensor JSON carried as text in the uplink's
// decoded payload. Control characters and spaces are stripped before the
// text is returned; the result is ready for reading.Decode.
func DecodeUplink(body []byte) ([]byte, string, error) {
	var up Uplink
	if err := json.Unmarshal(body, &up); err != nil {
		return nil, "", &reading.ValidationError{Reason: "malformed uplink envelope", Err: err}
	}
	if up.UplinkMessage == nil || up.UplinkMessage.DecodedPayload == nil || up.UplinkMessage.DecodedPayload.Text == nil {
		return nil, up.EndDeviceIDs.DeviceID, &reading.ValidationError{
			Field:  "uplink_message.decoded_payload.text",
			Reason: "required",
		}
	}

	text := CleanText(*up.UplinkMessage.DecodedPayload.Text)
	if text == "" {
		return nil, up.EndDeviceIDs.DeviceID, &reading.ValidationError{
			Field:  "uplink_message.decoded_payload.text",
			Reason: "empty after cleaning",
		}
	}
	return []byte(text), up.EndDeviceIDs.DeviceID, nil
}

// CleanText drops C0 and C1 control characters, DEL and spaces.
func CleanText(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r <= 0x1f, r >= 0x7f && r <= 0x9f, r == ' ':
			return -1
		default:
			return r
		}
	}, s)
}
