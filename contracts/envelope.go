package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// Context tag keys, see
// https://github.com/Microsoft/ApplicationInsights-Home/blob/master/EndpointSpecs/Schemas/Docs/ContextTagKeys.md
const (
	TagOperationID    = "ai.operation.id"
	TagOperationName  = "ai.operation.name"
	TagSessionID      = "ai.session.id"
	TagUserID         = "ai.user.id"
	TagUserAccountID  = "ai.user.accountId"
	TagDeviceID       = "ai.device.id"
	TagDeviceOSVer    = "ai.device.osVersion"
	TagDeviceType     = "ai.device.type"
	TagApplicationVer = "ai.application.ver"
	TagSDKVersion     = "ai.internal.sdkVersion"
)

// The ingestion endpoint expects exactly 7 fractional digits; zero-padded
// rather than trimmed so whole seconds keep the full width.
const timeFormat = "2006-01-02T15:04:05.0000000Z"

// Telemetry is a typed payload carried inside an Envelope.
type Telemetry interface {
	EnvelopeName() string
	BaseType() string
}

type envelopeData struct {
	BaseType string    `json:"baseType"`
	BaseData Telemetry `json:"baseData"`
}

// Envelope is the common wrapper for every telemetry item. Envelopes are
// built once by the producer and never mutated afterwards; the buffer owns
// them until they are delivered or discarded.
type Envelope struct {
	Ver        int               `json:"ver"`
	Name       string            `json:"name"`
	Time       string            `json:"time"`
	SampleRate float64           `json:"sampleRate"`
	IKey       string            `json:"iKey"`
	Tags       map[string]string `json:"tags,omitempty"`
	Data       envelopeData      `json:"data"`
}

func NewEnvelope(ikey string, item Telemetry, tags map[string]string) *Envelope {
	return NewEnvelopeAt(ikey, item, tags, time.Now())
}

func NewEnvelopeAt(ikey string, item Telemetry, tags map[string]string, at time.Time) *Envelope {
	return &Envelope{
		Ver:        1,
		Name:       item.EnvelopeName(),
		Time:       at.UTC().Format(timeFormat),
		SampleRate: 100.0,
		IKey:       ikey,
		Tags:       tags,
		Data: envelopeData{
			BaseType: item.BaseType(),
			BaseData: item,
		},
	}
}

// Item returns the typed payload the envelope carries.
func (e *Envelope) Item() Telemetry {
	return e.Data.BaseData
}

// UnmarshalJSON restores the typed payload from its baseType discriminator,
// so envelopes round-trip through the offline store.
func (d *envelopeData) UnmarshalJSON(b []byte) error {
	var raw struct {
		BaseType string          `json:"baseType"`
		BaseData json.RawMessage `json:"baseData"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	item, err := decodeBaseData(raw.BaseType, raw.BaseData)
	if err != nil {
		return err
	}
	d.BaseType = raw.BaseType
	d.BaseData = item
	return nil
}

func decodeBaseData(baseType string, raw json.RawMessage) (Telemetry, error) {
	switch baseType {
	case "EventData":
		var v EventData
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "MessageData":
		var v MessageData
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "ExceptionData":
		var v ExceptionData
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "MetricData":
		var v MetricData
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "RequestData":
		var v RequestData
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	case "RemoteDependencyData":
		var v RemoteDependencyData
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown baseType %q", baseType)
	}
}
