package store

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// AuthIdentity is what the backend returned for an authToken. The backend response is
// schemaless JSON from a loosely typed runtime: known fields are decoded into typed members
// and every unknown key is preserved verbatim in Extra, so the full payload round-trips to
// clients and extensions unchanged.
type AuthIdentity struct {
	AuthToken     string
	ClientID      string
	UID           int64
	Channels      []string
	PresenceUIDs  []int64
	ContentTokens map[string]string // token channel name -> one-use token
	Valid         bool              // nodejsValidAuthToken
	Error         string

	Extra map[string]json.RawMessage
}

// UnmarshalJSON decodes the known fields and stashes everything else in Extra. The uid and
// presenceUids fields accept both JSON numbers and digit strings.
func (a *AuthIdentity) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	a.Extra = make(map[string]json.RawMessage)
	for key, value := range raw {
		var err error
		switch key {
		case "authToken":
			err = json.Unmarshal(value, &a.AuthToken)
		case "clientId":
			err = json.Unmarshal(value, &a.ClientID)
		case "uid":
			a.UID, err = parseFlexibleUID(value)
		case "channels":
			err = json.Unmarshal(value, &a.Channels)
		case "presenceUids":
			a.PresenceUIDs, err = parseFlexibleUIDList(value)
		case "contentTokens":
			err = json.Unmarshal(value, &a.ContentTokens)
		case "nodejsValidAuthToken":
			err = json.Unmarshal(value, &a.Valid)
		case "error":
			err = json.Unmarshal(value, &a.Error)
		default:
			a.Extra[key] = value
		}
		if err != nil {
			return fmt.Errorf("decode identity field %q: %w", key, err)
		}
	}
	return nil
}

// MarshalJSON re-assembles the original shape: Extra keys first, then the typed fields on
// top. The error field is omitted when empty so successful identities stay clean.
func (a AuthIdentity) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(a.Extra)+7)
	for key, value := range a.Extra {
		out[key] = value
	}

	out["authToken"] = a.AuthToken
	out["uid"] = a.UID
	out["nodejsValidAuthToken"] = a.Valid
	if a.ClientID != "" {
		out["clientId"] = a.ClientID
	}
	if a.Channels != nil {
		out["channels"] = a.Channels
	}
	if a.PresenceUIDs != nil {
		out["presenceUids"] = a.PresenceUIDs
	}
	if a.ContentTokens != nil {
		out["contentTokens"] = a.ContentTokens
	}
	if a.Error != "" {
		out["error"] = a.Error
	}

	return json.Marshal(out)
}

// Clone returns a deep copy so callers can hand identities to extensions without exposing the
// store's interior state.
func (a *AuthIdentity) Clone() *AuthIdentity {
	if a == nil {
		return nil
	}
	dup := *a
	dup.Channels = append([]string(nil), a.Channels...)
	dup.PresenceUIDs = append([]int64(nil), a.PresenceUIDs...)
	if a.ContentTokens != nil {
		dup.ContentTokens = make(map[string]string, len(a.ContentTokens))
		for k, v := range a.ContentTokens {
			dup.ContentTokens[k] = v
		}
	}
	if a.Extra != nil {
		dup.Extra = make(map[string]json.RawMessage, len(a.Extra))
		for k, v := range a.Extra {
			dup.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &dup
}

// parseFlexibleUID accepts a JSON number, a digit string, or null.
func parseFlexibleUID(raw json.RawMessage) (int64, error) {
	if string(raw) == "null" {
		return 0, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("uid is neither number nor string: %s", raw)
	}
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("uid string %q is not numeric", s)
	}
	return n, nil
}

// parseFlexibleUIDList accepts an array of numbers and/or digit strings, or null.
func parseFlexibleUIDList(raw json.RawMessage) ([]int64, error) {
	if string(raw) == "null" {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	uids := make([]int64, 0, len(items))
	for _, item := range items {
		uid, err := parseFlexibleUID(item)
		if err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}
	return uids, nil
}
