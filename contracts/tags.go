package contracts

import (
	"os"
	"runtime"
)

// TagSource contributes context tags to an envelope.
type TagSource interface {
	Tags() map[string]string
}

// Operation correlates every telemetry item produced while handling one
// logical unit of work, typically an incoming request.
type Operation struct {
	ID   string
	Name string
}

func (o Operation) Tags() map[string]string {
	return map[string]string{
		TagOperationID:   o.ID,
		TagOperationName: o.Name,
	}
}

// Session identifies one instance of the user's interaction with the app.
type Session struct {
	ID string
}

func (s Session) Tags() map[string]string {
	return map[string]string{TagSessionID: s.ID}
}

type User struct {
	ID        string
	AccountID string
	SessionID string
}

func (u User) Tags() map[string]string {
	tags := make(map[string]string, 3)
	if u.ID != "" {
		tags[TagUserID] = u.ID
	}
	if u.AccountID != "" {
		tags[TagUserAccountID] = u.AccountID
	}
	if u.SessionID != "" {
		tags[TagSessionID] = u.SessionID
	}
	return tags
}

// Device describes the machine emitting telemetry.
type Device struct {
	ID        string
	Type      string
	OSVersion string
}

// LocalDevice fills in device info for the current host.
func LocalDevice() Device {
	host, _ := os.Hostname()
	return Device{
		ID:        host,
		Type:      "PC",
		OSVersion: runtime.GOOS,
	}
}

func (d Device) Tags() map[string]string {
	return map[string]string{
		TagDeviceID:    d.ID,
		TagDeviceType:  d.Type,
		TagDeviceOSVer: d.OSVersion,
	}
}

type Application struct {
	Version string
}

func (a Application) Tags() map[string]string {
	if a.Version == "" {
		return nil
	}
	return map[string]string{TagApplicationVer: a.Version}
}
