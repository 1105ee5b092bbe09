package controlplane

import (
	"encoding/json"
	"time"
)

// CreateKeyRequest describes a join credential to mint. UserScope and
// MachineScope are local bookkeeping; they only seed the description when it
// is empty.
type CreateKeyRequest struct {
	Description   string
	TTLSeconds    int64
	Reusable      bool
	Ephemeral     bool
	Preauthorized bool
	Tags          []string
	UserScope     string
	MachineScope  string
}

// DescriptionOrDefault returns the description to send, deriving one from the scope
// when none was given.
func (r CreateKeyRequest) DescriptionOrDefault() string {
	if r.Description != "" {
		return r.Description
	}
	d := "keyfleet"
	if r.UserScope != "" {
		d += " user=" + r.UserScope
	}
	if r.MachineScope != "" {
		d += " machine=" + r.MachineScope
	}
	return d
}

type createKeyPayload struct {
	Description   string          `json:"description"`
	ExpirySeconds int64           `json:"expirySeconds"`
	Capabilities  keyCapabilities `json:"capabilities"`
}

type keyCapabilities struct {
	Devices deviceCapabilities `json:"devices"`
}

type deviceCapabilities struct {
	Create createCapabilities `json:"create"`
}

type createCapabilities struct {
	Reusable      bool     `json:"reusable"`
	Ephemeral     bool     `json:"ephemeral"`
	Preauthorized bool     `json:"preauthorized"`
	Tags          []string `json:"tags"`
}

// CreatedKey is the control plane's answer to a create. Key is the plaintext
// credential and is only ever returned here.
type CreatedKey struct {
	ID      string
	Key     string
	Created *time.Time
	Expires *time.Time
}

// KeySummary is one entry of the remote key listing.
type KeySummary struct {
	ID          string     `json:"id"`
	Description string     `json:"description,omitempty"`
	Created     *time.Time `json:"created,omitempty"`
	Expires     *time.Time `json:"expires,omitempty"`
}

// KeyDetail is the remote view of a single key.
type KeyDetail struct {
	ID            string     `json:"id"`
	Description   string     `json:"description,omitempty"`
	Created       *time.Time `json:"created,omitempty"`
	Expires       *time.Time `json:"expires,omitempty"`
	Revoked       *time.Time `json:"revoked,omitempty"`
	Invalid       bool       `json:"invalid"`
	Reusable      bool       `json:"reusable"`
	Ephemeral     bool       `json:"ephemeral"`
	Preauthorized bool       `json:"preauthorized"`
	Tags          []string   `json:"tags"`
}

// Device is a node enrolled in the tailnet.
type Device struct {
	ID            string     `json:"id"`
	NodeID        string     `json:"node_id,omitempty"`
	Name          string     `json:"name"`
	Hostname      string     `json:"hostname"`
	User          string     `json:"user,omitempty"`
	OS            string     `json:"os,omitempty"`
	ClientVersion string     `json:"client_version,omitempty"`
	Addresses     []string   `json:"addresses"`
	Tags          []string   `json:"tags,omitempty"`
	Authorized    bool       `json:"authorized"`
	LastSeen      *time.Time `json:"last_seen,omitempty"`
	Expires       *time.Time `json:"expires,omitempty"`
}

// Wire shapes. Timestamps arrive as strings that may be empty, so they are
// parsed leniently.

type remoteKey struct {
	ID           string `json:"id"`
	Key          string `json:"key"`
	Description  string `json:"description"`
	Created      string `json:"created"`
	Expires      string `json:"expires"`
	ExpiresAt    string `json:"expiresAt"`
	Revoked      string `json:"revoked"`
	Invalid      bool   `json:"invalid"`
	Capabilities struct {
		Devices struct {
			Create createCapabilities `json:"create"`
		} `json:"devices"`
	} `json:"capabilities"`
}

func (k remoteKey) expires() *time.Time {
	if t := parseTime(k.Expires); t != nil {
		return t
	}
	return parseTime(k.ExpiresAt)
}

func (k remoteKey) summary() KeySummary {
	return KeySummary{
		ID:          k.ID,
		Description: k.Description,
		Created:     parseTime(k.Created),
		Expires:     k.expires(),
	}
}

func (k remoteKey) detail() *KeyDetail {
	c := k.Capabilities.Devices.Create
	return &KeyDetail{
		ID:            k.ID,
		Description:   k.Description,
		Created:       parseTime(k.Created),
		Expires:       k.expires(),
		Revoked:       parseTime(k.Revoked),
		Invalid:       k.Invalid,
		Reusable:      c.Reusable,
		Ephemeral:     c.Ephemeral,
		Preauthorized: c.Preauthorized,
		Tags:          c.Tags,
	}
}

type remoteKeyList struct {
	Keys []remoteKey `json:"keys"`
}

type remoteDevice struct {
	ID            string   `json:"id"`
	NodeID        string   `json:"nodeId"`
	Name          string   `json:"name"`
	Hostname      string   `json:"hostname"`
	User          string   `json:"user"`
	OS            string   `json:"os"`
	ClientVersion string   `json:"clientVersion"`
	Addresses     []string `json:"addresses"`
	Tags          []string `json:"tags"`
	Authorized    bool     `json:"authorized"`
	LastSeen      string   `json:"lastSeen"`
	Expires       string   `json:"expires"`
}

type remoteDeviceList struct {
	Devices []remoteDevice `json:"devices"`
}

func (d remoteDevice) device() Device {
	return Device{
		ID:            d.ID,
		NodeID:        d.NodeID,
		Name:          d.Name,
		Hostname:      d.Hostname,
		User:          d.User,
		OS:            d.OS,
		ClientVersion: d.ClientVersion,
		Addresses:     d.Addresses,
		Tags:          d.Tags,
		Authorized:    d.Authorized,
		LastSeen:      parseTime(d.LastSeen),
		Expires:       parseTime(d.Expires),
	}
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func decode(body []byte, v interface{}) error {
	return json.Unmarshal(body, v)
}
