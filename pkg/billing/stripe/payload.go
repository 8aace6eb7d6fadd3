package stripe

import "encoding/json"

// resourceID unmarshals a Stripe reference field that arrives either as a
// bare ID string or as an expanded object with an "id" key. Webhook payloads
// use both forms depending on expansion settings and API version.
type resourceID string

func (r *resourceID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*r = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = resourceID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = resourceID(obj.ID)
	return nil
}

func (r resourceID) String() string {
	return string(r)
}

// eventObjectID extracts the primary object ID from an event payload.
func eventObjectID(raw json.RawMessage) (string, error) {
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", err
	}
	return obj.ID, nil
}
